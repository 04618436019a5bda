// Package tasks is the enqueue-and-return work queue the pipeline stages talk
// through. Delivery is at-least-once, so every handler must be idempotent.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a task handler.
type Kind string

const (
	KindStartPipeline     Kind = "startPipeline"
	KindExtractPage       Kind = "extractPage"
	KindExtractDocument   Kind = "extractDocument"
	KindCleanPage         Kind = "cleanPage"
	KindRecheckCompletion Kind = "recheckCompletion"
	KindIndexDocument     Kind = "indexDocument"
	KindSummarizeDocument Kind = "summarizeDocument"
)

// Priorities are hints for dispatch order only; lower values are issued first.
const (
	PriorityMax     = 0
	PriorityHigh    = 10
	PriorityMedium  = 20
	PriorityLow     = 30
	PriorityDefault = 50
)

// Task is the envelope delivered to a handler.
type Task struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Priority int             `json:"priority"`
	Delay    time.Duration   `json:"delay,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	// Delivery counts redeliveries by the queue, starting at 0.
	Delivery int `json:"delivery,omitempty"`
}

// Option customises a new task.
type Option func(*Task)

// WithPriority sets the dispatch priority hint.
func WithPriority(p int) Option { return func(t *Task) { t.Priority = p } }

// WithDelay postpones the first delivery.
func WithDelay(d time.Duration) Option { return func(t *Task) { t.Delay = d } }

// New builds a task with a JSON payload.
func New(kind Kind, payload any, opts ...Option) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	t := Task{
		ID:       uuid.NewString(),
		Kind:     kind,
		Priority: PriorityDefault,
		Payload:  raw,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Queue accepts tasks for later delivery. Enqueue never waits for execution.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
}

// Handler executes one delivered task. A returned error asks for redelivery.
type Handler func(ctx context.Context, t Task) error

// Enqueue is a convenience wrapper around New and Queue.Enqueue.
func Enqueue(ctx context.Context, q Queue, kind Kind, payload any, opts ...Option) error {
	t, err := New(kind, payload, opts...)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, t)
}
