package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnknownKind is returned for tasks no handler is registered for.
var ErrUnknownKind = errors.New("no handler for task kind")

// Dispatcher routes delivered tasks to the handler registered for their kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]Handler)}
}

// Register binds a handler to a kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Handle runs the task's handler.
func (d *Dispatcher) Handle(ctx context.Context, t Task) error {
	d.mu.RLock()
	h, ok := d.handlers[t.Kind]
	d.mu.RUnlock()
	if !ok {
		slog.Error("No handler registered for task kind.", "kind", t.Kind, "taskId", t.ID)
		return fmt.Errorf("%w %q", ErrUnknownKind, t.Kind)
	}
	return h(ctx, t)
}
