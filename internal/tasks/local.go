package tasks

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue closed")

// LocalQueueConfig configures an in-process queue.
type LocalQueueConfig struct {
	Workers       int
	MaxDeliveries int
	// RedeliveryDelay is multiplied by the delivery count.
	RedeliveryDelay time.Duration
}

// LocalQueue is an in-process priority queue with delayed delivery and a fixed
// worker pool. Failed handlers are redelivered up to MaxDeliveries times.
type LocalQueue struct {
	cfg     LocalQueueConfig
	handler Handler

	mu       sync.Mutex
	cond     *sync.Cond
	items    taskHeap
	seq      uint64
	inflight int
	timers   map[*time.Timer]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewLocalQueue builds a queue; call Start to begin delivering to handler.
func NewLocalQueue(cfg LocalQueueConfig, handler Handler) *LocalQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	q := &LocalQueue{
		cfg:     cfg,
		handler: handler,
		timers:  make(map[*time.Timer]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules t, honouring its delay.
func (q *LocalQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if t.Delay <= 0 {
		q.pushLocked(t)
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.Delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if !q.closed {
			q.pushLocked(t)
		}
		q.cond.Broadcast()
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *LocalQueue) pushLocked(t Task) {
	q.seq++
	heap.Push(&q.items, &queued{task: t, seq: q.seq})
	q.cond.Signal()
}

// Start launches the worker pool. Workers stop after Shutdown drains the heap.
func (q *LocalQueue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *LocalQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.items.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.items.Len() == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(*queued)
		q.inflight++
		q.mu.Unlock()

		q.run(ctx, item.task)

		q.mu.Lock()
		q.inflight--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *LocalQueue) run(ctx context.Context, t Task) {
	err := q.handler(ctx, t)
	if err == nil {
		return
	}
	logCtx := slog.With("taskId", t.ID, "kind", t.Kind, "delivery", t.Delivery)
	if t.Delivery+1 >= q.cfg.MaxDeliveries {
		logCtx.Error("Task failed on final delivery, dropping.", "error", err)
		return
	}
	logCtx.Warn("Task failed, scheduling redelivery.", "error", err)
	t.Delivery++
	t.Delay = time.Duration(t.Delivery) * q.cfg.RedeliveryDelay
	if err := q.Enqueue(ctx, t); err != nil {
		logCtx.Error("Could not redeliver task.", "error", err)
	}
}

// WaitIdle blocks until nothing is queued, delayed or running, or ctx ends.
func (q *LocalQueue) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.items.Len() > 0 || q.inflight > 0 || len(q.timers) > 0 {
			if ctx.Err() != nil {
				break
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return ctx.Err()
	case <-ctx.Done():
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, cancels pending delays and waits for workers.
func (q *LocalQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
		delete(q.timers, timer)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queued struct {
	task Task
	seq  uint64
}

// taskHeap orders by priority, then by enqueue order.
type taskHeap []*queued

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*queued)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
