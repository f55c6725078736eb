package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/poller"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

const (
	DefaultExchange       = "mailbridge"
	DefaultPrefetch       = 10
	DefaultPublishTimeout = 5 * time.Second
)

// SourceRoutingKey is the routing key used for mails received by source.
func SourceRoutingKey(source string) string { return "source." + source }

// SinkQueue is the queue a sink consumes events from.
func SinkQueue(sink string) string { return "sink." + sink }

// channel is the subset of *amqp091.Channel the bridge uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher accepts events for one sink.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// BrokerConfig configures the AMQP bridge.
type BrokerConfig struct {
	URL            string
	Exchange       string
	Prefetch       int
	PublishTimeout time.Duration
}

func (c *BrokerConfig) defaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
}

// Broker owns one AMQP connection. Source listeners share a publish channel;
// each sink consumer gets its own channel.
type Broker struct {
	cfg    BrokerConfig
	logger *zap.Logger
	conn   *amqp091.Connection
	open   func() (channel, error)

	mu  sync.Mutex
	pub channel
}

// Dial connects to the broker and declares the topic exchange.
func Dial(cfg BrokerConfig, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, mailerr.Connectivity("amqp dial", err)
	}
	b, err := newBroker(cfg, logger, func() (channel, error) { return conn.Channel() })
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func newBroker(cfg BrokerConfig, logger *zap.Logger, open func() (channel, error)) (*Broker, error) {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{cfg: cfg, logger: logger, open: open}

	ch, err := open()
	if err != nil {
		return nil, mailerr.Connectivity("amqp channel", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "failed to declare exchange %s", cfg.Exchange)
	}
	b.pub = ch
	return b, nil
}

// Listener returns a source listener that publishes each mail as JSON with
// routing key source.<name>.
func (b *Broker) Listener(source string, properties []string) poller.Listener {
	key := SourceRoutingKey(source)
	return poller.ListenerFunc(func(ctx context.Context, body string, values []*string) error {
		r := newReceived(source, properties, body, values)
		payload, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "failed to encode received mail")
		}
		ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()

		b.mu.Lock()
		err = b.pub.PublishWithContext(ctx, b.cfg.Exchange, key, false, false, amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    r.ID,
			Timestamp:    r.Timestamp,
			Body:         payload,
		})
		b.mu.Unlock()
		if err != nil {
			return mailerr.Connectivity("amqp publish "+key, err)
		}
		return nil
	})
}

// Consume feeds events from queue sink.<name> into target until ctx ends or
// the channel closes.
func (b *Broker) Consume(ctx context.Context, sink string, target Publisher) error {
	ch, err := b.open()
	if err != nil {
		return mailerr.Connectivity("amqp channel", err)
	}
	defer ch.Close()

	queue := SinkQueue(sink)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", queue)
	}
	if err := ch.QueueBind(queue, queue, b.cfg.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s to exchange %s", queue, b.cfg.Exchange)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "failed to set prefetch")
	}
	deliveries, err := ch.Consume(queue, "mailbridge-"+sink, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume queue %s", queue)
	}

	log := b.logger.With(zap.String("sink", sink), zap.String("queue", queue))
	log.Info("consuming sink queue")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return mailerr.Connectivity("amqp consume "+queue, errors.New("delivery channel closed"))
			}
			b.handle(ctx, d, target, log)
		}
	}
}

func (b *Broker) handle(ctx context.Context, d amqp091.Delivery, target Publisher, log *zap.Logger) {
	e, err := DecodeEvent(d.Body, d.MessageId)
	if err != nil {
		log.Warn("dropping undecodable delivery", zap.Error(err))
		if nerr := d.Nack(false, false); nerr != nil {
			log.Warn("nack failed", zap.Error(nerr))
		}
		return
	}
	log = log.With(zap.String("event_id", e.ID))

	err = target.Publish(ctx, e)
	switch {
	case err == nil:
		if aerr := d.Ack(false); aerr != nil {
			log.Warn("ack failed", zap.Error(aerr))
		}
	case mailerr.IsRetriable(err):
		log.Warn("publish failed, requeueing", zap.Bool("redelivered", d.Redelivered), zap.Error(err))
		if nerr := d.Nack(false, true); nerr != nil {
			log.Warn("nack failed", zap.Error(nerr))
		}
	default:
		log.Error("publish failed, dropping event", zap.Stringer("kind", mailerr.KindOf(err)), zap.Error(err))
		if nerr := d.Nack(false, false); nerr != nil {
			log.Warn("nack failed", zap.Error(nerr))
		}
	}
}

// Close releases the publish channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.pub != nil {
		err = b.pub.Close()
		b.pub = nil
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
