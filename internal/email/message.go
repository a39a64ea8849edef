package email

// Message is the canonical, provider-independent email.
type Message struct {
	From        string       `json:"from"`
	FromName    string       `json:"from_name,omitempty"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment content is base64-encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"type"`
	Content     string `json:"content"`
}

// Canonical field names. These are the only tokens a payload template may
// reference and the only keys a field-mapping table may use.
const (
	FieldSender      = "sender"
	FieldSenderName  = "senderName"
	FieldRecipients  = "recipients"
	FieldSubject     = "subject"
	FieldHTMLContent = "htmlContent"
	FieldTextContent = "textContent"
	FieldCc          = "cc"
	FieldBcc         = "bcc"
	FieldAttachments = "attachments"
)

var canonicalFields = map[string]bool{
	FieldSender:      true,
	FieldSenderName:  true,
	FieldRecipients:  true,
	FieldSubject:     true,
	FieldHTMLContent: true,
	FieldTextContent: true,
	FieldCc:          true,
	FieldBcc:         true,
	FieldAttachments: true,
}

// Credentials are the secrets substituted into authentication headers.
type Credentials struct {
	APIKey    string
	APISecret string
}
