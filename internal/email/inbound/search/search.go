// Package search parses and evaluates the source's header filter.
package search

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Field is a searchable header.
type Field string

const (
	Subject Field = "subject"
	From    Field = "from"
	To      Field = "to"
	Cc      Field = "cc"
	Bcc     Field = "bcc"
)

var fields = map[Field]bool{Subject: true, From: true, To: true, Cc: true, Bcc: true}

// Term is one key:value condition.
type Term struct {
	Field Field
	Value string
}

// Filter is a conjunction of terms. The zero Filter accepts everything.
type Filter struct {
	Terms []Term
}

// Empty reports whether the filter accepts every message.
func (f Filter) Empty() bool { return len(f.Terms) == 0 }

// Message is what the filter needs from a retrieved message.
type Message interface {
	Subject() string
	Addresses(field string) []Address
}

// Address is one parsed mailbox from an address header.
type Address struct {
	Name    string
	Address string
}

// Parse reads a comma separated list of key:value pairs. "\," and "\:"
// escape a literal comma or colon inside a value.
func Parse(expr string) (Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return Filter{}, nil
	}
	var f Filter
	for _, pair := range split(expr, ',') {
		parts := split(pair, ':')
		if len(parts) != 2 {
			return Filter{}, mailerr.Configurationf("search term %q: %q is not in the expected key:value format", expr, strings.TrimSpace(unescape(pair)))
		}
		key := Field(strings.ToLower(strings.TrimSpace(parts[0])))
		if !fields[key] {
			return Filter{}, mailerr.Configurationf("search term %q: unknown key %q, valid keys are %s", expr, parts[0], validKeys())
		}
		value := strings.TrimSpace(unescape(parts[1]))
		if value == "" {
			return Filter{}, mailerr.Configurationf("search term %q: key %q has an empty value", expr, key)
		}
		f.Terms = append(f.Terms, Term{Field: key, Value: value})
	}
	return f, nil
}

// Match reports whether m satisfies every term.
func (f Filter) Match(m Message) bool {
	for _, t := range f.Terms {
		if !t.match(m) {
			return false
		}
	}
	return true
}

func (t Term) match(m Message) bool {
	if t.Field == Subject {
		return containsFold(m.Subject(), t.Value)
	}
	for _, a := range m.Addresses(string(t.Field)) {
		if matchAddress(a, t.Value) {
			return true
		}
	}
	return false
}

// matchAddress compares local parts exactly when value contains "@"; any
// domain after it is ignored. Otherwise it is a case-insensitive substring test.
func matchAddress(a Address, value string) bool {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		return containsFold(a.Address, value) || containsFold(a.Name, value)
	}
	aat := strings.LastIndex(a.Address, "@")
	if aat < 0 {
		return false
	}
	return strings.EqualFold(a.Address[:aat], value[:at])
}

// IMAPCriteria is a server-side prefilter. It may return more messages than
// Match accepts; it never returns fewer.
func (f Filter) IMAPCriteria() *imap.SearchCriteria {
	c := &imap.SearchCriteria{}
	for _, t := range f.Terms {
		value := t.Value
		if t.Field != Subject {
			if at := strings.LastIndex(value, "@"); at >= 0 {
				value = value[:at]
			}
		}
		if value == "" {
			continue
		}
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: headerName(t.Field), Value: value})
	}
	return c
}

// String renders the filter back to its expression form.
func (f Filter) String() string {
	parts := make([]string, 0, len(f.Terms))
	for _, t := range f.Terms {
		v := strings.NewReplacer(",", `\,`, ":", `\:`).Replace(t.Value)
		parts = append(parts, string(t.Field)+":"+v)
	}
	return strings.Join(parts, ",")
}

func headerName(f Field) string {
	switch f {
	case Cc:
		return "Cc"
	case Bcc:
		return "Bcc"
	default:
		return strings.ToUpper(string(f[:1])) + string(f[1:])
	}
}

func validKeys() string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// split cuts s on sep, honoring backslash escapes. Escapes are kept so that
// nested splits see them; unescape removes them.
func split(s string, sep byte) []string {
	var (
		out  []string
		cur  strings.Builder
		prev bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case prev:
			cur.WriteByte(c)
			prev = false
		case c == '\\':
			cur.WriteByte(c)
			prev = true
		case c == sep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, cur.String())
}

func unescape(s string) string {
	return strings.NewReplacer(`\,`, ",", `\:`, ":", `\\`, `\`).Replace(s)
}
