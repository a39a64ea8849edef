package models

import (
	"encoding/json"
	"time"
)

// Provider is a configured third-party sending service plus its live quota state.
type Provider struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`

	APIKey    string `json:"-"`
	APISecret string `json:"-"`

	DailyQuota int  `json:"daily_quota"`
	UsedToday  int  `json:"used_today"`
	Active     bool `json:"active"`

	// Timezone names the zone whose midnight resets UsedToday. Empty means
	// the process default.
	Timezone      string    `json:"timezone,omitempty"`
	LastResetDate time.Time `json:"last_reset_date"`

	// Config is the raw stored wire configuration, legacy or declarative.
	Config json.RawMessage `json:"config"`
}

// HasCapacity reports whether the provider can take one more send today.
func (p Provider) HasCapacity() bool {
	return p.Active && p.UsedToday < p.DailyQuota
}
