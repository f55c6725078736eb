// Package compose builds outgoing mail from a payload and an ordered header set.
package compose

import (
	"strings"
)

// Header is one outgoing header field.
type Header struct {
	Name  string
	Value string
}

// Message is an immutable snapshot of what one publish call sends.
type Message struct {
	body        string
	contentType string
	headers     []Header
	attachments []string
}

// NewMessage copies its inputs; later changes by the caller do not leak in.
func NewMessage(body, contentType string, headers []Header, attachments []string) *Message {
	if contentType == "" {
		contentType = "text/plain"
	}
	return &Message{
		body:        body,
		contentType: contentType,
		headers:     append([]Header(nil), headers...),
		attachments: append([]string(nil), attachments...),
	}
}

func (m *Message) Body() string        { return m.body }
func (m *Message) ContentType() string { return m.contentType }

// Headers returns the headers in insertion order.
func (m *Message) Headers() []Header {
	return append([]Header(nil), m.headers...)
}

// Header returns the first value of name, case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Attachments returns the attachment references in order.
func (m *Message) Attachments() []string {
	return append([]string(nil), m.attachments...)
}

// Multipart reports whether the message is rendered with attachments.
func (m *Message) Multipart() bool { return len(m.attachments) > 0 }

// HeaderMap flattens the headers for diagnostics.
func (m *Message) HeaderMap() map[string]string {
	out := make(map[string]string, len(m.headers))
	for _, h := range m.headers {
		out[h.Name] = h.Value
	}
	return out
}
