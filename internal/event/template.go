package event

import (
	"regexp"
	"strings"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

type segment struct {
	text string
	attr bool
}

// Template is text with {{attribute}} placeholders.
type Template struct {
	raw      string
	segments []segment
}

// ParseTemplate splits s into literal text and placeholders.
func ParseTemplate(s string) Template {
	t := Template{raw: s}
	last := 0
	for _, m := range placeholder.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > last {
			t.segments = append(t.segments, segment{text: s[last:m[0]]})
		}
		t.segments = append(t.segments, segment{text: s[m[2]:m[3]], attr: true})
		last = m[1]
	}
	if last < len(s) {
		t.segments = append(t.segments, segment{text: s[last:]})
	}
	return t
}

// Raw returns the template source.
func (t Template) Raw() string { return t.raw }

// Dynamic reports whether the template references any attribute.
func (t Template) Dynamic() bool {
	for _, seg := range t.segments {
		if seg.attr {
			return true
		}
	}
	return false
}

// Attributes lists the referenced attribute names in order of appearance.
func (t Template) Attributes() []string {
	var out []string
	for _, seg := range t.segments {
		if seg.attr {
			out = append(out, seg.text)
		}
	}
	return out
}

// Render substitutes every placeholder from e. A missing attribute is a
// configuration error.
func (t Template) Render(e Event) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if !seg.attr {
			b.WriteString(seg.text)
			continue
		}
		v, ok := e.Attribute(seg.text)
		if !ok {
			return "", mailerr.Configurationf("template %q references missing attribute %q", t.raw, seg.text)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}
