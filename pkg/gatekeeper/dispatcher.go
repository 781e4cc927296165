package gatekeeper

import (
	"context"
	"fmt"
	"sync"
)

// Dispatcher invokes the real implementation of a cleared action. The
// gatekeeper owns validation, authorization, timeouts and fact-key
// serialization; the dispatcher owns only the effect itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, args map[string]any) (any, error)
}

// HandlerFunc implements a single action.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// FuncDispatcher routes actions to registered handler functions.
type FuncDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewFuncDispatcher() *FuncDispatcher {
	return &FuncDispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to an action name, replacing any previous
// binding.
func (d *FuncDispatcher) Register(action string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[action] = fn
	d.mu.Unlock()
}

func (d *FuncDispatcher) Dispatch(ctx context.Context, action string, args map[string]any) (any, error) {
	d.mu.RLock()
	fn, ok := d.handlers[action]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoImplementation, action)
	}
	return fn(ctx, args)
}
