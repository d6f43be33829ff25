package action

import (
	"context"
	"sort"
	"sync"
)

// Handler performs the side effect for one action type.
type Handler interface {
	Handle(ctx context.Context, a *Action, ec ExecContext) (Result, error)
}

type HandlerFunc func(ctx context.Context, a *Action, ec ExecContext) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, a *Action, ec ExecContext) (Result, error) {
	return f(ctx, a, ec)
}

// Registry maps action types to handlers. Adding a type means registering
// a handler; the executor never changes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

func (r *Registry) Register(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) Lookup(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
