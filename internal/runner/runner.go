package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner manages and executes scheduled background tasks. Tasks can be
// added and removed while it runs; a task never overlaps with itself.
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *zap.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	base    context.Context
	entries map[string]cron.EntryID
	running map[string]context.CancelFunc
}

// Option customizes a runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...Option) *Runner {
	if registry == nil {
		registry = NewTaskRegistry()
	}
	r := &Runner{
		registry: registry,
		logger:   zap.NewNop(),
		base:     context.Background(),
		entries:  make(map[string]cron.EntryID),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	cl := cronLogger{r.logger.Sugar()}
	r.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl))
	return r
}

// Start schedules every registered task and starts the scheduler. Task
// contexts derive from ctx.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()

	tasks := r.registry.All()
	for _, task := range tasks {
		if err := r.Schedule(task); err != nil {
			return err
		}
	}
	r.cron.Start()
	r.logger.Info("task runner started", zap.Int("tasks", len(tasks)))
	return nil
}

// Schedule adds task to the scheduler, replacing an entry of the same name.
func (r *Runner) Schedule(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[task.Name()]; ok {
		r.cron.Remove(id)
	}
	id, err := r.cron.AddFunc(task.Schedule(), func() { r.executeTask(task) })
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.Name(), err)
	}
	r.entries[task.Name()] = id
	r.registry.Register(task)
	r.logger.Debug("task scheduled", zap.String("task", task.Name()), zap.String("schedule", task.Schedule()))
	return nil
}

// Unschedule removes a task and cancels its in-flight run, if any.
func (r *Runner) Unschedule(name string) {
	r.mu.Lock()
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}
	r.registry.Remove(name)
	cancel := r.running[name]
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.logger.Debug("task unscheduled", zap.String("task", name))
}

// Scheduled reports whether name has a live schedule entry.
func (r *Runner) Scheduled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Next returns the next activation time of name.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	id, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(id).Next, true
}

// RunNow executes task once in the background, unless it is already running.
func (r *Runner) RunNow(task Task) {
	go r.executeTask(task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(task Task) {
	r.mu.Lock()
	if _, busy := r.running[task.Name()]; busy {
		r.mu.Unlock()
		r.logger.Debug("task still running, skipping", zap.String("task", task.Name()))
		return
	}
	taskCtx, cancel := context.WithTimeout(r.base, task.Timeout())
	r.running[task.Name()] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.running, task.Name())
		r.mu.Unlock()
		r.wg.Done()
	}()

	start := time.Now()
	err := task.Run(taskCtx)
	duration := time.Since(start)

	if err != nil {
		r.logger.Warn("task failed", zap.String("task", task.Name()), zap.Duration("duration", duration), zap.Error(err))
		return
	}
	r.logger.Debug("task completed", zap.String("task", task.Name()), zap.Duration("duration", duration))
}

// Stop gracefully shuts down the runner. In-flight tasks are cancelled and
// waited for until ctx ends.
func (r *Runner) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()

	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		<-stopped.Done()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("task runner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task runner stop: %w", ctx.Err())
	}
}

// cronLogger forwards cron's own diagnostics to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
