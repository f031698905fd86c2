package skills

import (
	"context"
	"fmt"
	"time"

	"chimera/internal/domain"
	"chimera/internal/secrets"
	"chimera/internal/tools"
)

// Context carries the capabilities a handler may use. Handlers own no
// external I/O directly; everything goes through the invoker or the secret
// provider.
type Context struct {
	TenantID string
	AgentID  string
	Invoker  *tools.Invoker
	Secrets  secrets.Provider
	Now      func() time.Time
}

func (c Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Handler fulfils one task type. It returns a TaskResult even for failures;
// an error return is reserved for conditions the worker cannot materialize
// as a result (context cancellation, store loss).
type Handler func(ctx context.Context, task domain.Task, sc Context) (domain.TaskResult, error)

// Registry is the compile-time dispatch table from task type to handler.
type Registry struct {
	handlers map[domain.TaskType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TaskType]Handler)}
}

// Register binds a handler to a task type.
func (r *Registry) Register(t domain.TaskType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("unknown task type %q", t)
	}
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("handler for %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Handler returns the handler for a task type.
func (r *Registry) Handler(t domain.TaskType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Dispatch runs the task through its handler. A missing handler surfaces as
// a schema-violation result so the judge can route it to an operator.
func (r *Registry) Dispatch(ctx context.Context, task domain.Task, sc Context) (domain.TaskResult, error) {
	h, ok := r.handlers[task.Type]
	if !ok {
		return domain.TaskResult{
			TaskID:         task.TaskID,
			TenantID:       task.TenantID,
			Attempt:        task.Attempt,
			Status:         domain.ResultError,
			Confidence:     0,
			Reason:         domain.ReasonSchemaViolation,
			ReasoningTrace: fmt.Sprintf("no handler registered for task type %s", task.Type),
			ExecutedAt:     sc.now(),
		}, nil
	}
	return h(ctx, task, sc)
}
