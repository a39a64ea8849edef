package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const unknownError = "Unknown error"

const headerPrefix = "header:"

// Response is a raw provider HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Outcome is a provider response reduced to what the worker needs.
type Outcome struct {
	Success    bool
	MessageID  string
	Error      string
	StatusCode int
}

// fallbackErrorFields are tried when no errorField is configured.
var fallbackErrorFields = []string{"message", "error", "errors[0].message", "ErrorMessage"}

// Parse normalizes a provider response. It never fails: unresolvable fields
// are simply absent from the outcome.
func Parse(cfg *ProviderConfig, resp *Response) Outcome {
	if resp == nil {
		return Outcome{Error: unknownError}
	}
	out := Outcome{StatusCode: resp.StatusCode}

	var body any
	if len(resp.Body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(resp.Body))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			body = nil
		}
	}

	out.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if path := cfg.ResponseMapping.SuccessField; path != "" {
		if v, ok := lookupPath(body, path); ok {
			out.Success = truthy(v)
		}
	}

	if path := cfg.ResponseMapping.MessageIDField; path != "" {
		if name, ok := strings.CutPrefix(path, headerPrefix); ok {
			out.MessageID = resp.Header.Get(name)
		} else if v, ok := lookupPath(body, path); ok {
			out.MessageID = stringify(v)
		}
	}

	if out.Success {
		return out
	}
	fields := fallbackErrorFields
	if path := cfg.ResponseMapping.ErrorField; path != "" {
		fields = []string{path}
	}
	for _, path := range fields {
		if v, ok := lookupPath(body, path); ok {
			if s := stringify(v); s != "" {
				out.Error = s
				return out
			}
		}
	}
	out.Error = unknownError
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		switch strings.ToLower(t) {
		case "true", "ok", "success", "sent", "queued", "accepted":
			return true
		}
		return false
	default:
		return v != nil
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
