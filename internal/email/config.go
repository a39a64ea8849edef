package email

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

type AuthType string

const (
	AuthNone   AuthType = ""
	AuthAPIKey AuthType = "api-key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthCustom AuthType = "custom"
)

const (
	BodyJSON = "json"
	BodyForm = "form"
)

// AuthConfig describes how credentials are attached to a request.
type AuthConfig struct {
	Type       AuthType `json:"type"`
	HeaderName string   `json:"headerName,omitempty"`
	Prefix     string   `json:"prefix,omitempty"`
	// Username replaces the API key as the basic-auth user; the key then
	// becomes the password.
	Username      string            `json:"username,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
}

// ResponseMapping locates outcome fields in a provider response body.
// A MessageIDField of the form "header:X-Message-Id" reads a response header.
type ResponseMapping struct {
	SuccessField   string `json:"successField,omitempty"`
	MessageIDField string `json:"messageIdField,omitempty"`
	ErrorField     string `json:"errorField,omitempty"`
}

// ProviderConfig is the normalized wire description the engine operates on.
type ProviderConfig struct {
	Endpoint        string            `json:"endpoint"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers,omitempty"`
	Authentication  AuthConfig        `json:"authentication"`
	PayloadTemplate any               `json:"payloadTemplate,omitempty"`
	FieldMappings   map[string]string `json:"fieldMappings,omitempty"`
	ResponseMapping ResponseMapping   `json:"responseMapping"`
	BodyFormat      string            `json:"bodyFormat,omitempty"`
	// RecipientKey renders address lists as [{RecipientKey: addr}] instead
	// of plain strings.
	RecipientKey string `json:"recipientKey,omitempty"`
}

// LegacyConfig is the older baseUrl/endpoints shape still stored for some
// providers. Its payload template is a string using short token names.
type LegacyConfig struct {
	BaseURL         string            `json:"baseUrl"`
	Endpoints       map[string]string `json:"endpoints"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	AuthType        string            `json:"authType,omitempty"`
	AuthHeader      string            `json:"authHeader,omitempty"`
	AuthPrefix      string            `json:"authPrefix,omitempty"`
	PayloadTemplate string            `json:"payloadTemplate"`
	ContentType     string            `json:"contentType,omitempty"`
	MessageIDField  string            `json:"messageIdField,omitempty"`
	ErrorField      string            `json:"errorField,omitempty"`
}

var legacyAliases = map[string]string{
	"to":       FieldRecipients,
	"from":     FieldSender,
	"fromName": FieldSenderName,
	"html":     FieldHTMLContent,
	"text":     FieldTextContent,
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// LoadConfig decodes a stored provider configuration of either shape and
// returns its normalized form.
func LoadConfig(raw []byte) (*ProviderConfig, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	if _, ok := shape["baseUrl"]; ok {
		var legacy LegacyConfig
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy provider config: %w", err)
		}
		return legacy.Normalize()
	}
	var cfg ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize converts the legacy shape into a ProviderConfig. Short token
// names are rewritten to canonical ones and become the approved field set.
func (l LegacyConfig) Normalize() (*ProviderConfig, error) {
	endpoint := strings.TrimRight(l.BaseURL, "/")
	if send := l.Endpoints["send"]; send != "" {
		endpoint += "/" + strings.TrimLeft(send, "/")
	}

	mappings := map[string]string{}
	tmpl := tokenPattern.ReplaceAllStringFunc(l.PayloadTemplate, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		if alias, ok := legacyAliases[name]; ok {
			name = alias
		}
		if canonicalFields[name] {
			mappings[name] = ""
		}
		return "{{" + name + "}}"
	})

	var payload any = tmpl
	var tree any
	if err := json.Unmarshal([]byte(tmpl), &tree); err == nil {
		payload = tree
	}

	format := BodyJSON
	if strings.Contains(l.ContentType, "form") {
		format = BodyForm
	}

	cfg := &ProviderConfig{
		Endpoint:        endpoint,
		Method:          l.Method,
		Headers:         l.Headers,
		PayloadTemplate: payload,
		FieldMappings:   mappings,
		BodyFormat:      format,
		ResponseMapping: ResponseMapping{
			MessageIDField: l.MessageIDField,
			ErrorField:     l.ErrorField,
		},
		Authentication: AuthConfig{
			Type:       AuthType(l.AuthType),
			HeaderName: l.AuthHeader,
			Prefix:     l.AuthPrefix,
		},
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ProviderConfig) normalize() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", c.Endpoint)
	}

	c.Method = strings.ToUpper(c.Method)
	switch c.Method {
	case "":
		c.Method = "POST"
	case "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("unsupported method %q", c.Method)
	}

	switch c.BodyFormat {
	case "":
		c.BodyFormat = BodyJSON
	case BodyJSON, BodyForm:
	default:
		return fmt.Errorf("unsupported body format %q", c.BodyFormat)
	}

	switch c.Authentication.Type {
	case AuthNone, AuthAPIKey, AuthBearer, AuthBasic, AuthCustom:
	default:
		return fmt.Errorf("unsupported authentication type %q", c.Authentication.Type)
	}

	for field, path := range c.FieldMappings {
		if !canonicalFields[field] {
			return fmt.Errorf("unknown mapped field %q", field)
		}
		if path == "" {
			continue
		}
		if _, err := parsePath(path); err != nil {
			return fmt.Errorf("field %s: %w", field, err)
		}
	}

	if c.PayloadTemplate == nil && len(c.mappedPaths()) == 0 {
		return fmt.Errorf("either payloadTemplate or fieldMappings paths are required")
	}
	return nil
}

// mappedPaths lists the fields that carry a payload path, in stable order.
func (c *ProviderConfig) mappedPaths() []string {
	var fields []string
	for field, path := range c.FieldMappings {
		if path != "" {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}
