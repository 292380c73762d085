package scheduler

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"scriptworker/src/task"
)

// Registry keeps every task the worker has accepted, keyed by id. Tasks
// are never removed: a terminal task stays queryable until the process
// exits (persistence across restarts is a non-goal).
type Registry struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*task.IsolatedTask
	order []uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[uuid.UUID]*task.IsolatedTask)}
}

// Add registers a task. Ids are process-unique, so collisions do not occur.
func (r *Registry) Add(t *task.IsolatedTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID()] = t
	r.order = append(r.order, t.ID())
}

// Get returns the task with the given id, or false.
func (r *Registry) Get(id uuid.UUID) (*task.IsolatedTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns all tasks in submission order.
func (r *Registry) List() []*task.IsolatedTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.IsolatedTask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// IDs returns the registered task ids sorted lexically. Handy for stable
// diagnostics output.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}
