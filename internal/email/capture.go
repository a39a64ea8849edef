package email

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/gomail.v2"
)

// CaptureHeader marks captured mail so it is never mistaken for a real send.
const CaptureHeader = "X-Pulse-Delivery-Mode"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Capturer writes messages to local .eml files instead of delivering them.
type Capturer struct {
	dir string
	now func() time.Time
}

func NewCapturer(dir string) *Capturer {
	return &Capturer{dir: dir, now: time.Now}
}

// Capture renders msg as MIME and stores it under the capture directory.
// meta entries are added as X-Pulse-* headers. It returns the file path.
func (c *Capturer) Capture(name string, msg Message, meta map[string]string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}

	m := gomail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", msg.From, msg.FromName)
	} else {
		m.SetHeader("From", msg.From)
	}
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader(CaptureHeader, "captured")

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.SetHeader("X-Pulse-"+k, meta[k])
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	path := filepath.Join(c.dir, fmt.Sprintf("%s-%s.eml",
		c.now().UTC().Format("20060102T150405.000000000"),
		unsafeName.ReplaceAllString(name, "_"),
	))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create capture file: %w", err)
	}
	defer f.Close()

	if _, err := m.WriteTo(f); err != nil {
		return "", fmt.Errorf("write captured message: %w", err)
	}
	return path, nil
}
