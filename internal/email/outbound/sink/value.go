package sink

import (
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Value is an option that is either fixed at setup (Static) or resolved
// from each event (Dynamic).
type Value interface {
	Resolve(e event.Event) (string, error)
	isValue()
}

// Static is a value known at setup.
type Static string

func (s Static) Resolve(event.Event) (string, error) { return string(s), nil }
func (Static) isValue()                              {}

// Dynamic is a template rendered per event.
type Dynamic struct {
	tpl event.Template
}

func (d Dynamic) Resolve(e event.Event) (string, error) { return d.tpl.Render(e) }
func (Dynamic) isValue()                                {}

// Attributes lists the event attributes the value reads.
func (d Dynamic) Attributes() []string { return d.tpl.Attributes() }

// parseValue classifies raw once. Keys that may not vary per event reject templates.
func parseValue(key, raw string, dynamicAllowed bool) (Value, error) {
	tpl := event.ParseTemplate(raw)
	if !tpl.Dynamic() {
		return Static(raw), nil
	}
	if !dynamicAllowed {
		return nil, mailerr.Configurationf("option %q does not accept per-event values, got %q", key, raw)
	}
	return Dynamic{tpl: tpl}, nil
}

// IsDynamic reports whether v varies per event.
func IsDynamic(v Value) bool {
	_, ok := v.(Dynamic)
	return ok
}
