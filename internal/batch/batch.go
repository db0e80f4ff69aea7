// Package batch implements the write-batch coalescer: it
// groups queued write operations into bounded slices and hands them to a
// caller-supplied executor, either when the batch fills up or when a
// deadline timer expires, whichever comes first.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults for a newly constructed Coalescer.
const (
	DefaultMaxBatchSize     = 100
	DefaultMaxWaitTime      = 50 * time.Millisecond
	DefaultOperationTimeout = 30 * time.Second
	retryAttempts           = 3
	retryInitialDelay       = 100 * time.Millisecond
	retryMaxDelay           = 5 * time.Second
)

// ErrQueueFull is returned by Add when the queue remains full after
// exhausting all retry attempts.
var ErrQueueFull = errors.New("batch: queue full")

// Op is a single queued write operation, opaque to the coalescer; it is
// whatever shape the executor understands (a façade-level mutation
// record).
type Op any

// Executor applies a detached slice of operations as a group. It returns
// an error if the whole group failed; the coalescer does not support
// partial-group failure.
type Executor func(ctx context.Context, ops []Op) error

type entry struct {
	op   Op
	done chan error
}

// Coalescer is a single write-batch queue. The zero value is not usable;
// construct with New.
type Coalescer struct {
	executor         Executor
	maxBatchSize     int
	maxWaitTime      time.Duration
	operationTimeout time.Duration
	maxQueueSize     int

	mu         sync.Mutex
	queue      []entry
	timer      *time.Timer
	flushing   bool
	flushWaitC chan struct{} // closed when an in-progress flush completes
}

// Option configures a Coalescer at construction time.
type Option func(*Coalescer)

func WithMaxBatchSize(n int) Option          { return func(c *Coalescer) { c.maxBatchSize = n } }
func WithMaxWaitTime(d time.Duration) Option { return func(c *Coalescer) { c.maxWaitTime = d } }
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Coalescer) { c.operationTimeout = d }
}
func WithMaxQueueSize(n int) Option { return func(c *Coalescer) { c.maxQueueSize = n } }

// New constructs a Coalescer that dispatches detached batches to exec.
func New(exec Executor, opts ...Option) *Coalescer {
	c := &Coalescer{
		executor:         exec,
		maxBatchSize:     DefaultMaxBatchSize,
		maxWaitTime:      DefaultMaxWaitTime,
		operationTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxQueueSize <= 0 {
		c.maxQueueSize = 100 * c.maxBatchSize
	}
	return c
}

// Add enqueues op and blocks until the batch it lands in has been
// executed (successfully or not), returning the executor's error for
// that batch. If the queue is full, Add retries with exponential backoff
// (capped) before failing with ErrQueueFull.
func (c *Coalescer) Add(ctx context.Context, op Op) error {
	delay := retryInitialDelay
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		done, armed := c.tryEnqueue(op)
		if done != nil {
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !armed {
			return ErrQueueFull
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return ErrQueueFull
}

// tryEnqueue attempts a single enqueue. done is non-nil on success; armed
// is false only when the queue is full and no slot could be claimed.
func (c *Coalescer) tryEnqueue(op Op) (done chan error, armed bool) {
	c.mu.Lock()

	if len(c.queue) >= c.maxQueueSize {
		c.mu.Unlock()
		return nil, false
	}

	e := entry{op: op, done: make(chan error, 1)}
	c.queue = append(c.queue, e)

	shouldFlushNow := len(c.queue) >= c.maxBatchSize
	shouldArmTimer := !shouldFlushNow && c.timer == nil && !c.flushing

	if shouldArmTimer {
		c.timer = time.AfterFunc(c.maxWaitTime, func() {
			_ = c.Flush(context.Background())
		})
	}
	c.mu.Unlock()

	if shouldFlushNow {
		go func() { _ = c.Flush(context.Background()) }()
	}

	return e.done, true
}

// Flush detaches up to maxBatchSize queued operations in FIFO order and
// runs them through the executor under operationTimeout, then schedules
// another flush if the queue is still non-empty. Concurrent flushes do
// not overlap: a caller arriving while a flush is in progress waits for
// it to finish and then, if the queue is still non-empty, triggers its
// own flush.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushing {
		waitC := c.flushWaitC
		c.mu.Unlock()
		if waitC != nil {
			<-waitC
		}
		return c.Flush(ctx)
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil
	}

	n := len(c.queue)
	if n > c.maxBatchSize {
		n = c.maxBatchSize
	}
	detached := c.queue[:n]
	c.queue = c.queue[n:]

	c.flushing = true
	c.flushWaitC = make(chan struct{})
	c.mu.Unlock()

	err := c.execute(ctx, detached)

	for _, e := range detached {
		e.done <- err
		close(e.done)
	}

	c.mu.Lock()
	c.flushing = false
	waitC := c.flushWaitC
	c.flushWaitC = nil
	remaining := len(c.queue)
	c.mu.Unlock()
	close(waitC)

	if remaining > 0 {
		go func() { _ = c.Flush(context.Background()) }()
	}
	return err
}

// execute runs the executor against the detached batch, racing it
// against operationTimeout via an errgroup so the executor is given a
// cancelable context for cooperative timeout handling.
func (c *Coalescer) execute(ctx context.Context, detached []entry) error {
	ops := make([]Op, len(detached))
	for i, e := range detached {
		ops[i] = e.op
	}

	execCtx, cancel := context.WithTimeout(ctx, c.operationTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(execCtx)
	g.Go(func() error {
		return c.executor(gctx, ops)
	})
	if err := g.Wait(); err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return err
	}
	return nil
}

// Size returns the current queue length.
func (c *Coalescer) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Clear drops the queue and disarms the timer without completing any
// waiting caller. This is a deliberate silent cancellation and must not
// be read as resolving or rejecting pending adds. Callers blocked in Add
// will hang until their own ctx is done; production callers should pass a
// bounded context.
func (c *Coalescer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.queue = nil
}
