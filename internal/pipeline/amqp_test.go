package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	bindings   [][2]string
	published  []amqp091.Publishing
	keys       []string
	publishErr error
	deliveries chan amqp091.Delivery
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp091.Delivery, 8)}
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp091.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, [2]string{name, key})
	return nil
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// acker records the outcome of each delivery tag.
type acker struct {
	mu      sync.Mutex
	outcome map[uint64]string
}

func newAcker() *acker { return &acker{outcome: make(map[uint64]string)} }

func (a *acker) set(tag uint64, v string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcome[tag] = v
	return nil
}

func (a *acker) get(tag uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome[tag]
}

func (a *acker) Ack(tag uint64, _ bool) error    { return a.set(tag, "ack") }
func (a *acker) Reject(tag uint64, _ bool) error { return a.set(tag, "reject") }

func (a *acker) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return a.set(tag, "requeue")
	}
	return a.set(tag, "drop")
}

type publisherFunc func(ctx context.Context, e event.Event) error

func (f publisherFunc) Publish(ctx context.Context, e event.Event) error { return f(ctx, e) }

func testBroker(t *testing.T, pub, consume *fakeChannel) *Broker {
	t.Helper()
	channels := []*fakeChannel{pub, consume}
	var mu sync.Mutex
	b, err := newBroker(BrokerConfig{Exchange: "mail"}, zap.NewNop(), func() (channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(channels) == 0 {
			return nil, errors.New("no channel")
		}
		ch := channels[0]
		channels = channels[1:]
		return ch, nil
	})
	require.NoError(t, err)
	return b
}

func TestListenerPublishesReceivedMail(t *testing.T) {
	pub := newFakeChannel()
	b := testBroker(t, pub, newFakeChannel())
	assert.Equal(t, []string{"mail"}, pub.exchanges)

	subject := "disk full"
	l := b.Listener("inbox", []string{"subject", "x.missing"})
	require.NoError(t, l.OnEvent(context.Background(), "body text", []*string{&subject, nil}))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "source.inbox", pub.keys[0])
	msg := pub.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)

	var got Received
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, msg.MessageId, got.ID)
	assert.Equal(t, "inbox", got.Source)
	assert.Equal(t, "body text", got.Body)
	require.Len(t, got.Properties, 2)
	assert.Equal(t, "disk full", *got.Properties[0].Value)
	assert.Nil(t, got.Properties[1].Value)

	require.NoError(t, b.Close())
	assert.True(t, pub.closed)
}

func TestListenerPublishFailureIsRetriable(t *testing.T) {
	pub := newFakeChannel()
	pub.publishErr = io.EOF
	b := testBroker(t, pub, newFakeChannel())

	err := b.Listener("inbox", nil).OnEvent(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, mailerr.IsRetriable(err))
}

func TestConsumeAcksByErrorKind(t *testing.T) {
	consume := newFakeChannel()
	b := testBroker(t, newFakeChannel(), consume)
	ack := newAcker()

	var mu sync.Mutex
	var seen []event.Event
	target := publisherFunc(func(_ context.Context, e event.Event) error {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
		switch e.Data["mode"] {
		case "retry":
			return mailerr.Connectivity("smtp dial", io.EOF)
		case "fatal":
			return mailerr.Fatal("smtp data", errors.New("554 rejected"))
		}
		return nil
	})

	deliver := func(tag uint64, body string) {
		consume.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body), MessageId: "m-" + body[:1]}
	}
	deliver(1, `{"id":"e1","data":{"mode":"ok","to":"a@x"}}`)
	deliver(2, `{"mode":"retry"}`)
	deliver(3, `{"mode":"fatal"}`)
	deliver(4, `not json`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, "alerts", target) }()

	require.Eventually(t, func() bool { return ack.get(4) != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "ack", ack.get(1))
	assert.Equal(t, "requeue", ack.get(2))
	assert.Equal(t, "drop", ack.get(3))
	assert.Equal(t, "drop", ack.get(4))

	assert.Equal(t, []string{"sink.alerts"}, consume.queues)
	assert.Equal(t, [][2]string{{"sink.alerts", "sink.alerts"}}, consume.bindings)
	assert.True(t, consume.closed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, "e1", seen[0].ID)
	assert.Equal(t, "a@x", seen[0].Data["to"])
	assert.Equal(t, "m-{", seen[1].ID)
}

func TestConsumeReportsClosedChannel(t *testing.T) {
	consume := newFakeChannel()
	b := testBroker(t, newFakeChannel(), consume)
	close(consume.deliveries)

	err := b.Consume(context.Background(), "alerts", publisherFunc(func(context.Context, event.Event) error { return nil }))
	require.Error(t, err)
	assert.True(t, mailerr.IsRetriable(err))
}

func TestLogListener(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	subject := "hello"
	l := NewLogListener("inbox", []string{"subject", "uid"}, zap.New(core))

	require.NoError(t, l.OnEvent(context.Background(), "body", []*string{&subject}))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "mail received", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "inbox", fields["source"])
	assert.Equal(t, "hello", fields["subject"])
	assert.Nil(t, fields["uid"])
}
