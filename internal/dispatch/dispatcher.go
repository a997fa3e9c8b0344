// Package dispatch runs fire-and-forget side tasks on a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
	defaultTimeout   = 5 * time.Second
)

// Task is a unit of side work. It receives a context bounded by the task timeout.
type Task func(ctx context.Context) error

type envelope struct {
	name string
	ctx  context.Context
	fn   Task
}

// Params configure a Dispatcher.
type Params struct {
	Logger    *logger.Logger
	Metrics   *metrics.RuntimeMetrics
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher accepts tasks without blocking the caller. When the queue is
// full the task is dropped, logged and counted.
type Dispatcher struct {
	logg    *logger.Logger
	metrics *metrics.RuntimeMetrics
	timeout time.Duration
	queue   chan envelope

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts the worker pool.
func New(params Params) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := params.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &Dispatcher{
		logg:    params.Logger,
		metrics: params.Metrics,
		timeout: timeout,
		queue:   make(chan envelope, size),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d, nil
}

// Submit enqueues fn and reports whether it was accepted. The task context
// keeps the caller's values but not its cancellation.
func (d *Dispatcher) Submit(ctx context.Context, name string, fn Task) bool {
	if d == nil || fn == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ctx, name, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- envelope{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
		return true
	default:
		d.drop(ctx, name, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(ctx context.Context, name, reason string) {
	d.metrics.IncDropped(name)
	ctx = d.logg.WithFields(ctx, map[string]any{"task": name, "reason": reason})
	d.logg.Warn(ctx, "side task dropped")
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for task := range d.queue {
		d.run(task)
	}
}

func (d *Dispatcher) run(task envelope) {
	ctx, cancel := context.WithTimeout(task.ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logg.Error(d.logg.WithField(ctx, "task", task.name), "side task panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := task.fn(ctx); err != nil {
		d.logg.Warn(d.logg.WithField(ctx, "task", task.name), fmt.Sprintf("side task failed: %v", err))
	}
}

// Close stops accepting tasks and waits for queued ones to finish or for ctx
// to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
