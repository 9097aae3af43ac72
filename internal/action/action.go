// Package action defines the uniform capability the executor invokes per
// occurrence, plus the builtin handlers jobd ships. The engine never
// implements business effects itself; it resolves a Handler by action type
// and reports what the handler reports.
package action

import (
	"context"
	"fmt"
	"sync"

	"jobd/internal/job"
)

// Invocation carries per-occurrence context into a handler.
type Invocation struct {
	JobID       string
	ExecutionID string
	Attempt     int // 1-based, counts retries
	Manual      bool
	Params      job.Params // action params merged with per-invocation overrides
}

// Handler performs the business effect of one action type.
//
// Handlers classify their own failures: wrap with NoRetry for permanent
// errors, RetryAfter to carry a downstream hint. Unwrapped errors are treated
// as retryable (at-least-once delivery; idempotency is the handler's duty).
type Handler interface {
	Kind() job.ActionType
	Execute(ctx context.Context, act job.Action, inv Invocation) (job.Params, error)
}

// Registry resolves handlers by action type. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.ActionType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.ActionType]Handler)}
}

// Register installs h for its action type, replacing any previous handler.
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[h.Kind()] = h
	r.mu.Unlock()
}

// Resolve returns the handler for t.
func (r *Registry) Resolve(t job.ActionType) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for action type %s", t)
	}
	return h, nil
}

// Known reports whether a handler exists for t. Used at job validation time
// so a definition targeting an unwired action fails fast.
func (r *Registry) Known(t job.ActionType) bool {
	r.mu.RLock()
	_, ok := r.handlers[t]
	r.mu.RUnlock()
	return ok
}

// Types lists registered action types.
func (r *Registry) Types() []job.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]job.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// HandlerFunc adapts a function to Handler for a fixed action type.
type HandlerFunc struct {
	Type job.ActionType
	Fn   func(ctx context.Context, act job.Action, inv Invocation) (job.Params, error)
}

func (h HandlerFunc) Kind() job.ActionType { return h.Type }

func (h HandlerFunc) Execute(ctx context.Context, act job.Action, inv Invocation) (job.Params, error) {
	return h.Fn(ctx, act, inv)
}
