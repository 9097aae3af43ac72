package action

import (
	"context"
	"fmt"
	"sync"

	"jobd/internal/job"
)

// Func is a host-registered Go function exposed to CUSTOM_FUNCTION jobs.
type Func func(ctx context.Context, params job.Params) (job.Params, error)

// Funcs dispatches CUSTOM_FUNCTION actions to named host functions. The
// action target selects the function.
type Funcs struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewFuncs() *Funcs {
	return &Funcs{funcs: make(map[string]Func)}
}

// Bind registers fn under name, replacing any previous binding.
func (f *Funcs) Bind(name string, fn Func) {
	f.mu.Lock()
	f.funcs[name] = fn
	f.mu.Unlock()
}

func (f *Funcs) Kind() job.ActionType { return job.ActionCustomFunction }

func (f *Funcs) Execute(ctx context.Context, act job.Action, inv Invocation) (job.Params, error) {
	f.mu.RLock()
	fn, ok := f.funcs[act.Target]
	f.mu.RUnlock()
	if !ok {
		return nil, NoRetry(Coded("unknown_function", fmt.Errorf("no function bound as %q", act.Target)))
	}
	return fn(ctx, inv.Params)
}
