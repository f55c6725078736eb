// Package event defines the unit exchanged with the surrounding pipeline.
package event

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Event is one record published into a sink.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New stamps data with a fresh id and the current time.
func New(data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{ID: uuid.NewString(), Timestamp: time.Now().UTC(), Data: data}
}

// Attribute returns the string form of an attribute. "id" and "timestamp"
// fall back to the event envelope when the data has no such key.
func (e Event) Attribute(name string) (string, bool) {
	if v, ok := e.Data[name]; ok {
		if v == nil {
			return "", false
		}
		return cast.ToString(v), true
	}
	for k, v := range e.Data {
		if strings.EqualFold(k, name) && v != nil {
			return cast.ToString(v), true
		}
	}
	switch strings.ToLower(name) {
	case "id":
		return e.ID, e.ID != ""
	case "timestamp":
		if e.Timestamp.IsZero() {
			return "", false
		}
		return e.Timestamp.Format(time.RFC3339), true
	}
	return "", false
}

// Keys returns the data attribute names in sorted order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
