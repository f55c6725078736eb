// Package pipeline connects sources and sinks to the outside world: a log
// listener for local runs and an AMQP bridge for deployments.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/poller"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
)

// Property is one named transport property of a received mail. A nil Value
// means the mail had no such property.
type Property struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
}

// Received is the payload emitted for one accepted mail.
type Received struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	Body       string     `json:"body"`
	Properties []Property `json:"properties,omitempty"`
}

func newReceived(source string, names []string, body string, values []*string) Received {
	r := Received{
		ID:        uuid.NewString(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
	for i, name := range names {
		p := Property{Name: name}
		if i < len(values) {
			p.Value = values[i]
		}
		r.Properties = append(r.Properties, p)
	}
	return r
}

// NewLogListener writes every received mail to logger.
func NewLogListener(source string, properties []string, logger *zap.Logger) poller.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("source", source))
	return poller.ListenerFunc(func(_ context.Context, body string, values []*string) error {
		r := newReceived(source, properties, body, values)
		fields := []zap.Field{zap.String("id", r.ID), zap.Int("body_bytes", len(body))}
		for _, p := range r.Properties {
			fields = append(fields, zap.Stringp(p.Name, p.Value))
		}
		logger.Info("mail received", fields...)
		return nil
	})
}

// incoming accepts either {"id":..,"data":{..}} or a bare attribute object.
type incoming struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DecodeEvent reads an event posted to a sink. id is used when the payload
// carries none; if both are empty a fresh id is generated.
func DecodeEvent(body []byte, id string) (event.Event, error) {
	var in incoming
	if err := json.Unmarshal(body, &in); err != nil {
		return event.Event{}, errors.Wrap(err, "failed to unmarshal event")
	}
	if in.Data == nil {
		var flat map[string]any
		if err := json.Unmarshal(body, &flat); err != nil {
			return event.Event{}, errors.Wrap(err, "failed to unmarshal event")
		}
		in.Data = flat
	}
	e := event.New(in.Data)
	switch {
	case in.ID != "":
		e.ID = in.ID
	case id != "":
		e.ID = id
	}
	if !in.Timestamp.IsZero() {
		e.Timestamp = in.Timestamp
	}
	return e, nil
}
