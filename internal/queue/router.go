package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownKind is returned for messages no handler is registered for
var ErrUnknownKind = errors.New("unknown message kind")

// Handler processes one message kind
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle calls f(ctx, msg)
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Router dispatches messages to the handler registered for their kind
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]Handler)}
}

// Register binds a handler to a kind, replacing any previous one
func (r *Router) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// RegisterFunc binds a function to a kind
func (r *Router) RegisterFunc(kind Kind, fn func(ctx context.Context, msg *Message) error) {
	r.Register(kind, HandlerFunc(fn))
}

// Dispatch validates msg and hands it to its handler
func (r *Router) Dispatch(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	return h.Handle(ctx, msg)
}

// Kinds returns the registered kinds
func (r *Router) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
