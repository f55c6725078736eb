// Package message is the read-only view of one retrieved mail.
package message

import (
	"bytes"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/search"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Metadata keys set by the store connectors.
const (
	MetaUID           = "uid"
	MetaFolder        = "folder"
	MetaMessageNumber = "message.number"
	MetaReceivedDate  = "received.date"
	MetaSize          = "size"
	MetaStore         = "store"
)

// Message wraps a parsed RFC 5322 message plus transport metadata.
type Message struct {
	env  *enmime.Envelope
	meta map[string]string
	raw  []byte
}

// Parse reads raw. meta is copied.
func Parse(raw []byte, meta map[string]string) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, mailerr.Fatal("parse message", err)
	}
	m := &Message{env: env, meta: make(map[string]string, len(meta)), raw: raw}
	for k, v := range meta {
		m.meta[strings.ToLower(k)] = v
	}
	return m, nil
}

// Raw returns the bytes the message was parsed from.
func (m *Message) Raw() []byte { return m.raw }

// Header returns the decoded value of a header, if present.
func (m *Message) Header(name string) (string, bool) {
	if len(m.env.GetHeaderValues(name)) == 0 {
		return "", false
	}
	return m.env.GetHeader(name), true
}

// Meta returns a transport metadata value.
func (m *Message) Meta(key string) (string, bool) {
	v, ok := m.meta[strings.ToLower(key)]
	return v, ok
}

// Property looks name up as a header first, then as transport metadata.
// Dotted names map to hyphenated headers, so "message.id" reads Message-Id.
func (m *Message) Property(name string) (string, bool) {
	if v, ok := m.Header(strings.ReplaceAll(name, ".", "-")); ok {
		return v, true
	}
	return m.Meta(name)
}

// Subject is the decoded Subject header.
func (m *Message) Subject() string { return m.env.GetHeader("Subject") }

// Addresses parses an address header. Missing or malformed headers yield nil.
func (m *Message) Addresses(field string) []search.Address {
	list, err := m.env.AddressList(field)
	if err != nil {
		return nil
	}
	out := make([]search.Address, 0, len(list))
	for _, a := range list {
		out = append(out, search.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// Body returns the first non-attachment part of contentType, or "" if the
// message has none.
func (m *Message) Body(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if m.env.Root == nil {
		return ""
	}
	part := m.env.Root.BreadthMatchFirst(func(p *enmime.Part) bool {
		return strings.EqualFold(p.ContentType, contentType) && !strings.EqualFold(p.Disposition, "attachment")
	})
	if part == nil {
		return ""
	}
	return string(part.Content)
}
