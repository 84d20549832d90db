package pool

import (
	"fmt"
	"sort"
	"sync"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/pkg/task"
)

// Registry maps task-type names to their handlers. Registration happens
// before the worker starts; lookups happen concurrently from every slot.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]task.Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]task.Handler),
	}
}

// Register binds a handler to a task-type name. Registering the same name
// twice is a configuration bug and is rejected.
func (r *Registry) Register(taskType string, h task.Handler) error {
	if len(taskType) == 0 {
		return fmt.Errorf("task type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[taskType]; ok {
		return errs.NewErrAlreadyExists(fmt.Sprintf("handler for %q", taskType))
	}
	r.handlers[taskType] = h

	return nil
}

// Lookup resolves the handler for a task type.
func (r *Registry) Lookup(taskType string) (task.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	if !ok {
		return nil, errs.NewErrUnknownTaskType(taskType)
	}
	return h, nil
}

// Types lists the registered task types in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)

	return types
}
