// Package mapper turns an event into a mail body.
package mapper

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Mapper renders an event as a message body.
type Mapper interface {
	Map(e event.Event) (string, error)
}

// New returns the mapper called kind ("text", "json" or "xml"). For text, a
// non-empty template replaces the default attribute listing.
func New(kind, template string) (Mapper, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "text":
		return Text{template: event.ParseTemplate(template)}, nil
	case "json":
		return JSON{}, nil
	case "xml":
		return XML{}, nil
	default:
		return nil, mailerr.Configurationf("unknown mapper %q, expected one of text, json, xml", kind)
	}
}

// Text writes one name:value line per attribute, or renders a template.
type Text struct {
	template event.Template
}

func (m Text) Map(e event.Event) (string, error) {
	if m.template.Raw() != "" {
		return m.template.Render(e)
	}
	var b strings.Builder
	for i, k := range e.Keys() {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s:%s", k, cast.ToString(e.Data[k]))
	}
	return b.String(), nil
}

// JSON wraps the event data as {"event": {...}}.
type JSON struct{}

func (JSON) Map(e event.Event) (string, error) {
	out, err := json.Marshal(map[string]any{"event": e.Data})
	if err != nil {
		return "", mailerr.Configurationf("event %s is not JSON serializable: %v", e.ID, err)
	}
	return string(out), nil
}

// XML writes <events><event><name>value</name>...</event></events>.
type XML struct{}

func (XML) Map(e event.Event) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("<events><event>")
	for _, k := range e.Keys() {
		if !validXMLName(k) {
			return "", mailerr.Configurationf("attribute %q is not a valid XML element name", k)
		}
		fmt.Fprintf(&buf, "<%s>", k)
		if err := xml.EscapeText(&buf, []byte(cast.ToString(e.Data[k]))); err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, "</%s>", k)
	}
	buf.WriteString("</event></events>")
	return buf.String(), nil
}

func validXMLName(s string) bool {
	if s == "" || strings.HasPrefix(strings.ToLower(s), "xml") {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}
