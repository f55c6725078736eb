// Package poller runs the recurring retrieval cycle of one mail source.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/action"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/connector"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/message"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/runner"
)

// Listener receives one event per accepted message. properties follows the
// configured transport.properties order; a nil entry marks a missing value.
type Listener interface {
	OnEvent(ctx context.Context, body string, properties []*string) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, body string, properties []*string) error

// OnEvent calls f.
func (f ListenerFunc) OnEvent(ctx context.Context, body string, properties []*string) error {
	return f(ctx, body, properties)
}

// State is the lifecycle state of an engine.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// PollCycleResult counts what one cycle did.
type PollCycleResult struct {
	Evaluated int `json:"evaluated"`
	Matched   int `json:"matched"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Actioned  int `json:"actioned"`
}

// Status is a point-in-time view of an engine.
type Status struct {
	Name      string           `json:"name"`
	Store     string           `json:"store"`
	Folder    string           `json:"folder"`
	State     State            `json:"state"`
	LastRun   *time.Time       `json:"last_run,omitempty"`
	NextRun   *time.Time       `json:"next_run,omitempty"`
	LastCycle *PollCycleResult `json:"last_cycle,omitempty"`
	LastError string           `json:"last_error,omitempty"`
}

// Engine polls one mailbox on the shared runner.
type Engine struct {
	settings Settings
	mailbox  connector.Mailbox
	runner   *runner.Runner
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	listener Listener
	state    State
	last     *PollCycleResult
	lastErr  error
	lastRun  time.Time
}

// Option customizes an engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records cycle results on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an engine for settings. The mailbox comes from factory, so an
// unsupported store is reported here, at setup.
func New(settings Settings, factory *connector.Factory, r *runner.Runner, opts ...Option) (*Engine, error) {
	e := &Engine{
		settings: settings,
		runner:   r,
		logger:   zap.NewNop(),
		now:      time.Now,
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("source", settings.Name), zap.String("store", settings.Account.Store))
	if factory == nil {
		factory = connector.DefaultFactory()
	}
	mb, err := factory.Open(settings.Account, e.logger)
	if err != nil {
		return nil, err
	}
	e.mailbox = mb
	return e, nil
}

// Name implements runner.Task.
func (e *Engine) Name() string { return "poll:" + e.settings.Name }

// Schedule implements runner.Task.
func (e *Engine) Schedule() string { return runner.Every(e.settings.Interval) }

// Timeout implements runner.Task.
func (e *Engine) Timeout() time.Duration { return e.settings.Timeout }

// Run implements runner.Task. It does nothing unless the engine is running.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	running := e.state == StateRunning
	e.mu.Unlock()
	if !running {
		return nil
	}
	_, err := e.Poll(ctx)
	return err
}

// Source is the configured source name.
func (e *Engine) Source() string { return e.settings.Name }

// Start registers the recurring cycle and triggers the first one immediately.
func (e *Engine) Start(l Listener) error {
	if l == nil {
		return mailerr.Configurationf("source %s: listener is required", e.settings.Name)
	}
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.listener = l
	e.state = StateRunning
	e.mu.Unlock()

	if err := e.runner.Schedule(e); err != nil {
		e.setState(StateStopped)
		return mailerr.New(mailerr.KindConfiguration, "schedule source "+e.settings.Name, err)
	}
	e.runner.RunNow(e)
	e.logger.Info("source started", zap.Duration("interval", e.settings.Interval), zap.String("filter", e.settings.Filter.String()))
	return nil
}

// Pause stops the recurring cycle and abandons any cycle in flight.
// Credentials and settings are kept for Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.mu.Unlock()

	e.runner.Unschedule(e.Name())
	e.closeMailbox()
	e.logger.Info("source paused")
}

// Resume restarts a paused engine.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return nil
	}
	e.state = StateRunning
	e.mu.Unlock()

	if err := e.runner.Schedule(e); err != nil {
		e.setState(StatePaused)
		return mailerr.New(mailerr.KindConfiguration, "schedule source "+e.settings.Name, err)
	}
	e.runner.RunNow(e)
	e.logger.Info("source resumed")
	return nil
}

// Stop removes the engine from the runner and releases the store connection.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	e.mu.Unlock()

	e.runner.Unschedule(e.Name())
	e.closeMailbox()
	e.logger.Info("source stopped")
}

// Status reports the engine state and its last cycle.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Name:   e.settings.Name,
		Store:  e.settings.Account.Store,
		Folder: e.settings.Account.Folder,
		State:  e.state,
	}
	if e.last != nil {
		last := *e.last
		s.LastCycle = &last
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	if !e.lastRun.IsZero() {
		run := e.lastRun
		s.LastRun = &run
	}
	running := e.state == StateRunning
	e.mu.Unlock()

	if running {
		if next, ok := e.runner.Next(e.Name()); ok && !next.IsZero() {
			s.NextRun = &next
		}
	}
	return s
}

// Poll runs one cycle. Cancelling ctx closes the mailbox so blocked I/O
// returns promptly.
func (e *Engine) Poll(ctx context.Context) (PollCycleResult, error) {
	start := e.now()
	result, err := e.poll(ctx)

	if err != nil && mailerr.KindOf(err) == mailerr.KindConnectivity {
		e.closeMailbox()
	}

	e.mu.Lock()
	e.last = &result
	e.lastErr = err
	e.lastRun = start
	e.mu.Unlock()

	e.record(result, err)
	fields := []zap.Field{
		zap.Int("evaluated", result.Evaluated),
		zap.Int("matched", result.Matched),
		zap.Int("delivered", result.Delivered),
		zap.Int("skipped", result.Skipped),
		zap.Int("actioned", result.Actioned),
		zap.Duration("duration", e.now().Sub(start)),
	}
	switch {
	case err == nil:
		e.logger.Debug("poll cycle completed", fields...)
	case mailerr.IsRetriable(err):
		e.logger.Warn("poll cycle failed, retrying next cycle", append(fields, zap.Error(err))...)
	default:
		e.logger.Error("poll cycle failed", append(fields, zap.Stringer("kind", mailerr.KindOf(err)), zap.Error(err))...)
	}
	return result, err
}

func (e *Engine) poll(ctx context.Context) (PollCycleResult, error) {
	var result PollCycleResult

	e.mu.Lock()
	listener := e.listener
	e.mu.Unlock()
	if listener == nil {
		return result, mailerr.Configurationf("source %s: listener is required", e.settings.Name)
	}

	stop := context.AfterFunc(ctx, e.closeMailbox)
	defer stop()

	if err := e.mailbox.Connect(ctx); err != nil {
		return result, err
	}

	query := connector.Query{Criteria: e.settings.Filter.IMAPCriteria()}
	if flag, ok := e.settings.Policy.Exclude(); ok {
		query.Exclude = append(query.Exclude, flag)
	}
	fetched, err := e.mailbox.Messages(ctx, query)
	if err != nil {
		if mailerr.KindOf(err) != mailerr.KindConnectivity {
			if cerr := e.mailbox.Commit(ctx); cerr != nil {
				e.logger.Debug("commit after failed enumeration", zap.Error(cerr))
			}
		}
		return result, err
	}

	err = e.deliver(ctx, listener, fetched, &result)
	var lerr *listenerError
	if errors.As(err, &lerr) {
		err = lerr.err
	} else if err != nil && mailerr.KindOf(err) == mailerr.KindConnectivity {
		return result, err
	}
	// Messages actioned before a failure stay actioned, and per-cycle
	// stores end their session here.
	if cerr := e.mailbox.Commit(ctx); cerr != nil {
		if err != nil {
			e.logger.Warn("commit after failed cycle", zap.Error(cerr))
			return result, err
		}
		return result, cerr
	}
	return result, err
}

// listenerError marks a failure of the listener rather than of the store.
type listenerError struct{ err error }

func (e *listenerError) Error() string { return e.err.Error() }
func (e *listenerError) Unwrap() error { return e.err }

func (e *Engine) deliver(ctx context.Context, listener Listener, fetched []*connector.FetchedMessage, result *PollCycleResult) error {
	tracker := action.NewTracker(e.settings.Policy)
	for _, fm := range fetched {
		if err := ctx.Err(); err != nil {
			return mailerr.Connectivity("poll "+e.settings.Name, err)
		}
		log := e.logger.With(zap.String("uid", fm.ID))

		msg, err := message.Parse(fm.Raw, fm.Metadata)
		if err != nil {
			log.Warn("skipping unparseable message", zap.Error(err))
			result.Skipped++
			continue
		}
		result.Evaluated++
		if !e.settings.Filter.Match(msg) {
			continue
		}
		result.Matched++

		body := msg.Body(e.settings.ContentType)
		if body == "" {
			log.Warn("skipping message without a body of the configured content type",
				zap.String("content_type", e.settings.ContentType))
			result.Skipped++
			continue
		}

		// the failing message keeps its state and is redelivered next cycle
		if err := listener.OnEvent(ctx, body, e.properties(msg, log)); err != nil {
			return &listenerError{err: err}
		}
		result.Delivered++

		changed, err := tracker.Apply(e.mailbox, fm.ID)
		if err != nil {
			return err
		}
		if changed {
			result.Actioned++
		}
	}
	return nil
}

func (e *Engine) properties(msg *message.Message, log *zap.Logger) []*string {
	if len(e.settings.Properties) == 0 {
		return nil
	}
	out := make([]*string, len(e.settings.Properties))
	for i, name := range e.settings.Properties {
		v, ok := msg.Property(name)
		if !ok {
			log.Warn("message has no value for property", zap.String("property", name))
			continue
		}
		out[i] = &v
	}
	return out
}

func (e *Engine) record(result PollCycleResult, err error) {
	name := e.settings.Name
	outcome := "ok"
	if err != nil {
		outcome = mailerr.KindOf(err).String()
	}
	e.metrics.PollCycle(name, outcome)
	e.metrics.PollMessages(name, "evaluated", result.Evaluated)
	e.metrics.PollMessages(name, "matched", result.Matched)
	e.metrics.PollMessages(name, "delivered", result.Delivered)
	e.metrics.PollMessages(name, "skipped", result.Skipped)
	e.metrics.PollMessages(name, "actioned", result.Actioned)
}

func (e *Engine) closeMailbox() {
	if err := e.mailbox.Close(); err != nil {
		e.logger.Debug("close mailbox", zap.Error(err))
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
