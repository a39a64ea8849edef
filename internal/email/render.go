package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"PulseDispatch/internal/models"
)

// Request is a rendered, provider-specific HTTP request.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// contextValue is a template context entry: either a scalar string, an
// address list or structured data.
type contextValue struct {
	str    string
	list   []string
	data   []any
	isList bool
}

// Render turns msg into the request shape described by cfg. It is a pure
// function of its inputs.
func Render(cfg *ProviderConfig, creds Credentials, msg Message) (*Request, error) {
	r := &renderer{cfg: cfg, ctx: buildContext(cfg, msg)}

	payload := cfg.PayloadTemplate
	if payload == nil {
		var err error
		if payload, err = r.fromMappings(); err != nil {
			return nil, err
		}
	}

	var body []byte
	if s, ok := payload.(string); ok {
		out, err := r.substituteText(s)
		if err != nil {
			return nil, err
		}
		body = []byte(out)
	} else {
		tree, err := r.walk(payload)
		if err != nil {
			return nil, err
		}
		if body, err = r.encode(tree); err != nil {
			return nil, err
		}
	}

	headers := make(map[string]string, len(cfg.Headers)+2)
	if cfg.BodyFormat == BodyForm {
		headers["Content-Type"] = "application/x-www-form-urlencoded"
	} else {
		headers["Content-Type"] = "application/json"
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	applyAuth(cfg.Authentication, creds, headers)

	return &Request{
		URL:     cfg.Endpoint,
		Method:  cfg.Method,
		Headers: headers,
		Body:    body,
	}, nil
}

// buildContext collects the message fields the config's mapping table
// approves. Empty fields are left out so their tokens stay verbatim.
func buildContext(cfg *ProviderConfig, msg Message) map[string]contextValue {
	all := map[string]contextValue{}
	if msg.From != "" {
		all[FieldSender] = contextValue{str: msg.From}
	}
	if msg.FromName != "" {
		all[FieldSenderName] = contextValue{str: msg.FromName}
	}
	if len(msg.To) > 0 {
		all[FieldRecipients] = contextValue{list: msg.To, isList: true}
	}
	if msg.Subject != "" {
		all[FieldSubject] = contextValue{str: msg.Subject}
	}
	if msg.HTML != "" {
		all[FieldHTMLContent] = contextValue{str: msg.HTML}
	}
	if msg.Text != "" {
		all[FieldTextContent] = contextValue{str: msg.Text}
	}
	if len(msg.Cc) > 0 {
		all[FieldCc] = contextValue{list: msg.Cc, isList: true}
	}
	if len(msg.Bcc) > 0 {
		all[FieldBcc] = contextValue{list: msg.Bcc, isList: true}
	}
	if len(msg.Attachments) > 0 {
		data := make([]any, len(msg.Attachments))
		names := make([]string, len(msg.Attachments))
		for i, a := range msg.Attachments {
			data[i] = map[string]any{"filename": a.Filename, "type": a.ContentType, "content": a.Content}
			names[i] = a.Filename
		}
		all[FieldAttachments] = contextValue{list: names, data: data, isList: true}
	}

	ctx := make(map[string]contextValue, len(cfg.FieldMappings))
	for field := range cfg.FieldMappings {
		if v, ok := all[field]; ok {
			ctx[field] = v
		}
	}
	return ctx
}

type renderer struct {
	cfg *ProviderConfig
	ctx map[string]contextValue
}

func (r *renderer) typed(v contextValue) any {
	if !v.isList {
		return v.str
	}
	if v.data != nil {
		return v.data
	}
	out := make([]any, len(v.list))
	for i, addr := range v.list {
		if r.cfg.RecipientKey != "" {
			out[i] = map[string]any{r.cfg.RecipientKey: addr}
		} else {
			out[i] = addr
		}
	}
	return out
}

func (r *renderer) fromMappings() (any, error) {
	var root any = map[string]any{}
	for _, field := range r.cfg.mappedPaths() {
		v, ok := r.ctx[field]
		if !ok {
			continue
		}
		var err error
		root, err = setPath(root, r.cfg.FieldMappings[field], r.typed(v))
		if err != nil {
			return nil, &models.ConfigurationError{Reason: fmt.Sprintf("field %s: %v", field, err)}
		}
	}
	return root, nil
}

func (r *renderer) walk(node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			rendered, err := r.walk(child)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			rendered, err := r.walk(child)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return r.substituteLeaf(v)
	default:
		return v, nil
	}
}

func (r *renderer) checkTokens(s string) error {
	for _, m := range tokenPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := r.cfg.FieldMappings[m[1]]; !ok {
			return &models.ConfigurationError{Reason: fmt.Sprintf("template references unmapped field %q", m[1])}
		}
	}
	return nil
}

// substituteLeaf renders a string leaf. A leaf that is exactly one token is
// replaced by the typed value so lists stay lists.
func (r *renderer) substituteLeaf(s string) (any, error) {
	if err := r.checkTokens(s); err != nil {
		return nil, err
	}
	if m := tokenPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := r.ctx[m[1]]; ok {
			return r.typed(v), nil
		}
		return s, nil
	}
	return r.replace(s, func(v string) string { return v }), nil
}

// substituteText renders a whole-body string template, escaping each
// value for the body format.
func (r *renderer) substituteText(s string) (string, error) {
	if err := r.checkTokens(s); err != nil {
		return "", err
	}
	escape := jsonEscape
	if r.cfg.BodyFormat == BodyForm {
		escape = url.QueryEscape
	}
	return r.replace(s, escape), nil
}

func (r *renderer) replace(s string, escape func(string) string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		v, ok := r.ctx[tokenPattern.FindStringSubmatch(tok)[1]]
		if !ok {
			return tok
		}
		if v.isList {
			return escape(strings.Join(v.list, ","))
		}
		return escape(v.str)
	})
}

func (r *renderer) encode(tree any) ([]byte, error) {
	if r.cfg.BodyFormat == BodyForm {
		obj, ok := tree.(map[string]any)
		if !ok {
			return nil, &models.ConfigurationError{Reason: "form payload template must be an object"}
		}
		return []byte(formEncode(obj).Encode()), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func formEncode(obj map[string]any) url.Values {
	values := url.Values{}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := obj[k].(type) {
		case []any:
			for _, item := range v {
				values.Add(k, scalarString(item))
			}
		default:
			values.Add(k, scalarString(v))
		}
	}
	return values
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func jsonEscape(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return string(out[1 : len(out)-1])
}
