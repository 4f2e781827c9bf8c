// Package message holds the transient representation of an inbound
// email as handed to the scanning pipeline. Instances are built by the
// ingress layer, passed by ownership through classification, auth and
// scoring, and dropped once the verdict is stored.
package message

import (
	"strings"
	"time"
)

// Address is a parsed mailbox address. Domain is always the lowercased
// part after the last "@" of Address.
type Address struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
	Domain      string `json:"domain"`
}

// NewAddress builds an Address, deriving Domain from the address text.
func NewAddress(addr, displayName string) Address {
	return Address{
		Address:     addr,
		DisplayName: displayName,
		Domain:      DomainOf(addr),
	}
}

// DomainOf returns the lowercased domain of a mailbox address, or ""
// when the address has no "@" or an empty domain part.
func DomainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// Attachment describes one attachment. Content may be nil when the
// ingress layer retained only a hash.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
	SHA256      string `json:"sha256,omitempty"`
}

// ParsedEmail is the pipeline input contract.
//
// RawHeaders must preserve the original header block byte-for-byte with
// CRLF line endings and folding intact; DKIM verification fails without
// it. Headers is a lowercased-name index over the same block for
// case-insensitive reads.
type ParsedEmail struct {
	MessageID  string              `json:"messageId"`
	TenantID   string              `json:"tenantId,omitempty"`
	From       Address             `json:"from"`
	Recipients []Address           `json:"recipients"`
	Subject    string              `json:"subject"`
	TextBody   string              `json:"textBody,omitempty"`
	HTMLBody   string              `json:"htmlBody,omitempty"`
	Headers    map[string][]string `json:"headers"`
	RawHeaders []byte              `json:"rawHeaders,omitempty"`
	RawBody    []byte              `json:"rawBody,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Envelope metadata captured by the ingress layer. EnvelopeFrom
	// falls back to From.Address when the provider does not expose the
	// SMTP sender; SourceIP is the connecting client from the topmost
	// trusted Received header.
	EnvelopeFrom string    `json:"envelopeFrom,omitempty"`
	SourceIP     string    `json:"sourceIp,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt,omitempty"`
}

// Header returns the first value for name, case-insensitively.
func (e *ParsedEmail) Header(name string) string {
	vs := e.HeaderValues(name)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// HeaderValues returns all values for name, case-insensitively.
func (e *ParsedEmail) HeaderValues(name string) []string {
	if e.Headers == nil {
		return nil
	}
	return e.Headers[strings.ToLower(name)]
}

// HasHeader reports whether at least one value exists for name.
func (e *ParsedEmail) HasHeader(name string) bool {
	return len(e.HeaderValues(name)) > 0
}

// SetHeader appends a header value under the lowercased name.
func (e *ParsedEmail) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string][]string)
	}
	key := strings.ToLower(name)
	e.Headers[key] = append(e.Headers[key], value)
}

// MailFromDomain returns the domain SPF should authenticate: the
// envelope sender's when present, otherwise the header-from domain.
func (e *ParsedEmail) MailFromDomain() string {
	if e.EnvelopeFrom != "" {
		if d := DomainOf(e.EnvelopeFrom); d != "" {
			return d
		}
	}
	return e.From.Domain
}

// Body returns the text part when present, else the HTML part.
func (e *ParsedEmail) Body() string {
	if e.TextBody != "" {
		return e.TextBody
	}
	return e.HTMLBody
}

// Normalize enforces the From.Domain invariant and lowercases header
// index keys. Ingress calls it once before enqueueing.
func (e *ParsedEmail) Normalize() {
	e.From.Domain = DomainOf(e.From.Address)
	for i := range e.Recipients {
		e.Recipients[i].Domain = DomainOf(e.Recipients[i].Address)
	}
	if e.Headers == nil {
		return
	}
	normalized := make(map[string][]string, len(e.Headers))
	for k, vs := range e.Headers {
		lk := strings.ToLower(k)
		normalized[lk] = append(normalized[lk], vs...)
	}
	e.Headers = normalized
}
