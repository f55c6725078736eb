// Package sink delivers events as mail over pooled SMTP sessions.
package sink

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/compose"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/pool"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/transport"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mapper"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
)

// sender is what a pooled session must do beyond the pool's own needs.
type sender interface {
	pool.Conn
	Send(env transport.Envelope, msg []byte) error
	Reset() error
}

// Sink turns events into mail. It is safe for concurrent Publish calls.
type Sink struct {
	name     string
	settings *settings
	registry *pool.Registry
	mapper   mapper.Mapper
	renderer *compose.Renderer
	factory  pool.Factory
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option customizes a sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records publish outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithMapper sets the body mapper. Text is the default.
func WithMapper(m mapper.Mapper) Option {
	return func(s *Sink) {
		if m != nil {
			s.mapper = m
		}
	}
}

// WithAttachmentLoader sets where attachment references are read from.
func WithAttachmentLoader(l compose.Loader, opts ...compose.RendererOption) Option {
	return func(s *Sink) { s.renderer = compose.NewRenderer(l, opts...) }
}

func withFactory(f pool.Factory) Option {
	return func(s *Sink) { s.factory = f }
}

// New validates opts. No connection is opened until Connect.
func New(name string, opts config.Options, registry *pool.Registry, options ...Option) (*Sink, error) {
	if registry == nil {
		return nil, mailerr.Configurationf("sink %s: nil pool registry", name)
	}
	st, err := parseSettings(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "sink %s", name)
	}
	s := &Sink{
		name:     name,
		settings: st,
		registry: registry,
		mapper:   mapper.Text{},
		renderer: compose.NewRenderer(nil),
		logger:   zap.NewNop(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("sink", name))
	if len(st.ignored) > 0 {
		s.logger.Debug("ignoring unsupported transport properties", zap.Strings("keys", st.ignored))
	}
	if s.factory == nil {
		dialer := transport.NewDialer(st.transport, transport.WithLogger(s.logger))
		s.factory = func(ctx context.Context) (pool.Conn, error) {
			sess, err := dialer.Open(ctx)
			if err != nil {
				return nil, err
			}
			return sess, nil
		}
	}
	return s, nil
}

// Name returns the configured sink name.
func (s *Sink) Name() string { return s.name }

// Connect joins, or creates, the shared pool for this sink's server and credentials.
func (s *Sink) Connect(ctx context.Context) error {
	p, err := s.registry.Initialize(ctx, s.settings.key, s.factory, s.settings.pool)
	if err != nil {
		return errors.WithMessagef(err, "sink %s connect", s.name)
	}
	s.logger.Info("sink connected", zap.String("pool", p.Name()), zap.Int("pool_size", p.Size()))
	return nil
}

// Disconnect gives back this sink's pool reference.
func (s *Sink) Disconnect(ctx context.Context) error {
	if err := s.registry.Teardown(ctx, s.settings.key); err != nil {
		return errors.WithMessagef(err, "sink %s disconnect", s.name)
	}
	s.logger.Info("sink disconnected")
	return nil
}

// Publish maps e into a message and sends it.
func (s *Sink) Publish(ctx context.Context, e event.Event) error {
	msg, env, err := s.Build(e)
	if err != nil {
		s.metrics.Published(s.name, mailerr.KindOf(err).String())
		return err
	}
	return s.Send(ctx, msg, env)
}

// Build resolves every per-event value and returns the message and its envelope.
func (s *Sink) Build(e event.Event) (*compose.Message, transport.Envelope, error) {
	st := s.settings
	body, err := s.mapper.Map(e)
	if err != nil {
		return nil, transport.Envelope{}, err
	}
	subject, err := st.subject.Resolve(e)
	if err != nil {
		return nil, transport.Envelope{}, err
	}

	env := transport.Envelope{From: st.from}
	headers := []compose.Header{{Name: "From", Value: st.from}}
	for _, r := range []struct {
		key    string
		header string
		val    Value
	}{{KeyTo, "To", st.to}, {KeyCc, "Cc", st.cc}, {KeyBcc, "Bcc", st.bcc}} {
		raw, err := r.val.Resolve(e)
		if err != nil {
			return nil, transport.Envelope{}, err
		}
		addrs, err := parseAddresses(r.key, raw)
		if err != nil {
			return nil, transport.Envelope{}, err
		}
		if len(addrs) == 0 {
			continue
		}
		headers = append(headers, compose.Header{Name: r.header, Value: formatAddresses(addrs)})
		env.Recipients = append(env.Recipients, addressesOf(addrs)...)
	}
	if len(env.Recipients) == 0 {
		return nil, transport.Envelope{}, mailerr.Configurationf("event %s resolved to no recipients", e.ID)
	}
	headers = append(headers, compose.Header{Name: "Subject", Value: subject})

	for _, h := range st.headers {
		v, err := h.value.Resolve(e)
		if err != nil {
			return nil, transport.Envelope{}, err
		}
		headers = append(headers, compose.Header{Name: h.name, Value: v})
	}

	rawAttachments, err := st.attachments.Resolve(e)
	if err != nil {
		return nil, transport.Envelope{}, err
	}
	return compose.NewMessage(body, st.contentType, headers, splitList(rawAttachments)), env, nil
}

// Send renders msg and delivers it on a borrowed session. The session goes
// back to the pool on success, is reset and returned after a protocol
// rejection, and is destroyed after a connectivity failure.
func (s *Sink) Send(ctx context.Context, msg *compose.Message, env transport.Envelope) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = mailerr.KindOf(err).String()
		}
		s.metrics.Published(s.name, result)
		s.metrics.SendDuration(s.name, time.Since(start))
	}()

	data, err := s.renderer.Render(ctx, msg)
	if err != nil {
		return err
	}

	p, err := s.registry.Get(s.settings.key)
	if err != nil {
		return mailerr.Connectivity("sink "+s.name+" borrow", err)
	}
	s.logger.Debug("borrowing session", zap.String("pool", p.Name()))
	lease, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	conn, ok := lease.Conn().(sender)
	if !ok {
		lease.Destroy()
		return mailerr.Fatal("sink "+s.name+" send", errors.Errorf("pooled session %T cannot send mail", lease.Conn()))
	}

	s.logger.Debug("sending", zap.Strings("recipients", env.Recipients))
	err = conn.Send(env, data)
	switch mailerr.KindOf(err) {
	case mailerr.KindUnknown:
		if err == nil {
			s.logger.Debug("sent, returning session")
			return nil
		}
		lease.Destroy()
		return mailerr.Fatal("sink "+s.name+" send", errors.WithMessage(err, describe(msg)))
	case mailerr.KindConnectivity:
		s.logger.Warn("session failed, discarding", zap.Error(err))
		lease.Destroy()
		return err
	case mailerr.KindPartialFailure:
		s.logger.Warn("recipients rejected", zap.Error(err))
		return err
	default:
		if rerr := conn.Reset(); rerr != nil {
			s.logger.Debug("reset after failed send", zap.Error(rerr))
			lease.Destroy()
		}
		s.logger.Error("send failed", zap.Error(err), zap.Any("headers", msg.HeaderMap()))
		return errors.WithMessagef(err, "sink %s %s", s.name, describe(msg))
	}
}

// describe renders the message headers in name order for error text.
func describe(m *compose.Message) string {
	headers := m.HeaderMap()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + headers[name]
	}
	return "headers {" + strings.Join(parts, "; ") + "}"
}

func addressesOf(addrs []*mail.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
