package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct {
	name     string
	schedule string
	timeout  time.Duration
	runs     atomic.Int32
	block    chan struct{}
	err      error
}

func (t *countingTask) Name() string           { return t.name }
func (t *countingTask) Schedule() string       { return t.schedule }
func (t *countingTask) Timeout() time.Duration { return t.timeout }

func (t *countingTask) Run(ctx context.Context) error {
	t.runs.Add(1)
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.err
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 10m0s", Every(10*time.Minute))
}

func TestRunnerRunsScheduledTasks(t *testing.T) {
	task := &countingTask{name: "tick", schedule: "@every 1s", timeout: time.Second}
	reg := NewTaskRegistry()
	reg.Register(task)

	r := NewRunner(reg)
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(context.Background()) }()

	assert.True(t, r.Scheduled("tick"))
	next, ok := r.Next("tick")
	require.True(t, ok)
	assert.False(t, next.IsZero())

	require.Eventually(t, func() bool { return task.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRunnerRejectsBadSchedule(t *testing.T) {
	r := NewRunner(nil)
	err := r.Schedule(&countingTask{name: "bad", schedule: "whenever", timeout: time.Second})
	require.Error(t, err)
	assert.False(t, r.Scheduled("bad"))
}

func TestRunNowSkipsOverlappingRuns(t *testing.T) {
	task := &countingTask{name: "slow", schedule: "@every 1h", timeout: time.Minute, block: make(chan struct{})}
	r := NewRunner(nil)
	require.NoError(t, r.Start(context.Background()))

	r.RunNow(task)
	require.Eventually(t, func() bool { return task.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	r.RunNow(task)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), task.runs.Load())

	close(task.block)
	require.NoError(t, r.Stop(context.Background()))
}

func TestUnscheduleCancelsInFlightRun(t *testing.T) {
	task := &countingTask{name: "poll", schedule: "@every 1h", timeout: time.Minute, block: make(chan struct{}), err: errors.New("unused")}
	r := NewRunner(nil)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Schedule(task))

	r.RunNow(task)
	require.Eventually(t, func() bool { return task.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	r.Unschedule("poll")
	assert.False(t, r.Scheduled("poll"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestStopHonorsContext(t *testing.T) {
	stuck := &stubbornTask{release: make(chan struct{})}
	r := NewRunner(nil)
	require.NoError(t, r.Start(context.Background()))
	r.RunNow(stuck)
	require.Eventually(t, func() bool { return stuck.started.Load() }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, r.Stop(ctx))
	close(stuck.release)
}

// stubbornTask ignores cancellation.
type stubbornTask struct {
	started atomic.Bool
	release chan struct{}
}

func (t *stubbornTask) Name() string           { return "stubborn" }
func (t *stubbornTask) Schedule() string       { return "@every 1h" }
func (t *stubbornTask) Timeout() time.Duration { return time.Minute }

func (t *stubbornTask) Run(context.Context) error {
	t.started.Store(true)
	<-t.release
	return nil
}

func TestTaskRegistry(t *testing.T) {
	reg := NewTaskRegistry()
	reg.Register(&countingTask{name: "b"})
	reg.Register(&countingTask{name: "a"})

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name())

	_, ok := reg.Get("b")
	assert.True(t, ok)
	reg.Remove("b")
	_, ok = reg.Get("b")
	assert.False(t, ok)
}

func TestUnscheduleForgetsTask(t *testing.T) {
	task := &countingTask{name: "poll", schedule: "@every 1h", timeout: time.Second}
	reg := NewTaskRegistry()
	r := NewRunner(reg)
	require.NoError(t, r.Schedule(task))
	_, ok := reg.Get("poll")
	require.True(t, ok)

	r.Unschedule("poll")
	assert.False(t, r.Scheduled("poll"))
	_, ok = reg.Get("poll")
	assert.False(t, ok)
}
