package runner

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Task is a unit of scheduled work. Schedule is a cron expression with an
// optional seconds field or a descriptor such as "@every 30s".
type Task interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
	Timeout() time.Duration
}

// TaskRegistry is the set of tasks a runner schedules when it starts.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds task, replacing any task with the same name.
func (r *TaskRegistry) Register(task Task) {
	r.mu.Lock()
	r.tasks[task.Name()] = task
	r.mu.Unlock()
}

// Remove forgets the task called name.
func (r *TaskRegistry) Remove(name string) {
	r.mu.Lock()
	delete(r.tasks, name)
	r.mu.Unlock()
}

// Get looks a task up by name.
func (r *TaskRegistry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// All returns the registered tasks ordered by name.
func (r *TaskRegistry) All() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Every returns the schedule expression for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}
