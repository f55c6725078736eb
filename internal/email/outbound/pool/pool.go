// Package pool keeps a bounded set of live SMTP sessions per sink configuration.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
)

// OptionPoolSize is the option holding the number of pool slots.
const OptionPoolSize = "connection.pool.size"

// ErrClosed is returned when borrowing from a pool that has been torn down.
var ErrClosed = errors.New("connection pool closed")

// Conn is a pooled transport session.
type Conn interface {
	Noop() error
	Close() error
}

// Factory opens a new session.
type Factory func(ctx context.Context) (Conn, error)

// Settings control pool sizing and validation.
type Settings struct {
	Size         int
	TestOnBorrow bool
}

// SettingsFromOptions reads the pool size option. Size defaults to 1 and must be positive.
func SettingsFromOptions(o config.Options) (Settings, error) {
	size, err := o.Int(OptionPoolSize, 1)
	if err != nil {
		return Settings{}, err
	}
	if size < 1 {
		return Settings{}, mailerr.Configurationf("option %q must be a positive integer, got %d", OptionPoolSize, size)
	}
	return Settings{Size: size, TestOnBorrow: true}, nil
}

// Pool hands out sessions. Borrow blocks while every slot is in use.
type Pool struct {
	name         string
	res          *puddle.Pool[Conn]
	testOnBorrow bool
	size         int
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// Option customizes a pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records borrow latency and utilisation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New builds a pool and opens its first session so that a bad configuration
// surfaces immediately.
func New(ctx context.Context, name string, factory Factory, s Settings, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, mailerr.Configurationf("pool %s: nil connection factory", name)
	}
	if s.Size < 1 {
		s.Size = 1
	}
	p := &Pool{
		name:         name,
		testOnBorrow: s.TestOnBorrow,
		size:         s.Size,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	res, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) { return factory(ctx) },
		Destructor: func(c Conn) {
			if err := c.Close(); err != nil {
				p.logger.Debug("close pooled connection", zap.String("pool", name), zap.Error(err))
			}
		},
		MaxSize: int32(s.Size),
	})
	if err != nil {
		return nil, mailerr.Configurationf("pool %s: %v", name, err)
	}
	p.res = res

	if err := res.CreateResource(ctx); err != nil {
		res.Close()
		return nil, classify("pool initialize", err)
	}
	p.logger.Info("connection pool initialized", zap.String("pool", name), zap.Int("size", s.Size))
	return p, nil
}

// Name identifies the pool in logs and metrics.
func (p *Pool) Name() string { return p.name }

// Size is the maximum number of concurrently borrowed sessions.
func (p *Pool) Size() int { return p.size }

// Borrow takes a session, waiting for a free slot as long as ctx allows.
// With TestOnBorrow each session is validated with NOOP first; a session
// that fails validation is destroyed and another one is taken.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	start := time.Now()
	defer func() { p.metrics.BorrowWait(p.name, time.Since(start)) }()

	for attempt := 0; ; attempt++ {
		res, err := p.res.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return nil, mailerr.Connectivity("pool borrow", ErrClosed)
			}
			return nil, classify("pool borrow", err)
		}
		if !p.testOnBorrow {
			return p.lease(res), nil
		}
		if err := res.Value().Noop(); err != nil {
			p.logger.Warn("pooled connection failed validation",
				zap.String("pool", p.name), zap.Int("attempt", attempt+1), zap.Error(err))
			res.Destroy()
			if attempt >= p.size {
				return nil, mailerr.Connectivity("pool borrow", fmt.Errorf("no valid connection after %d attempts: %w", attempt+1, err))
			}
			continue
		}
		return p.lease(res), nil
	}
}

func (p *Pool) lease(res *puddle.Resource[Conn]) *Lease {
	p.metrics.Borrowed(p.name, p.res.Stat().AcquiredResources())
	return &Lease{pool: p, res: res}
}

// Stat reports slot usage.
func (p *Pool) Stat() Stat {
	s := p.res.Stat()
	return Stat{
		Borrowed: int(s.AcquiredResources()),
		Idle:     int(s.IdleResources()),
		Total:    int(s.TotalResources()),
		Max:      int(s.MaxResources()),
	}
}

// Close destroys idle sessions and waits for borrowed ones to come back, or
// for ctx to end. Sessions returned after ctx ends are still destroyed.
func (p *Pool) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.res.Close()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("connection pool closed", zap.String("pool", p.name))
		return nil
	case <-ctx.Done():
		p.logger.Warn("connection pool close still waiting for borrowed connections", zap.String("pool", p.name))
		return ctx.Err()
	}
}

// Stat is a snapshot of pool usage.
type Stat struct {
	Borrowed int
	Idle     int
	Total    int
	Max      int
}

// Lease is one borrowed session. Exactly one of Release or Destroy must be called.
type Lease struct {
	pool *Pool
	res  *puddle.Resource[Conn]
	done bool
}

// Conn returns the borrowed session.
func (l *Lease) Conn() Conn { return l.res.Value() }

// Release returns the session to the pool.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.res.Release()
	l.pool.metrics.Borrowed(l.pool.name, l.pool.res.Stat().AcquiredResources())
}

// Destroy closes the session and frees its slot.
func (l *Lease) Destroy() {
	if l.done {
		return
	}
	l.done = true
	l.res.Destroy()
	l.pool.metrics.Borrowed(l.pool.name, l.pool.res.Stat().AcquiredResources())
}

func classify(op string, err error) error {
	if mailerr.KindOf(err) != mailerr.KindUnknown {
		return err
	}
	return mailerr.Connectivity(op, err)
}
