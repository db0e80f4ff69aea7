package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushOnMaxBatchSize(t *testing.T) {
	var executed int32
	var mu sync.Mutex
	var seen []Op

	c := New(func(ctx context.Context, ops []Op) error {
		atomic.AddInt32(&executed, 1)
		mu.Lock()
		seen = append(seen, ops...)
		mu.Unlock()
		return nil
	}, WithMaxBatchSize(3), WithMaxWaitTime(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := c.Add(context.Background(), i)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}

func TestFlushOnDeadline(t *testing.T) {
	var executed int32
	c := New(func(ctx context.Context, ops []Op) error {
		atomic.AddInt32(&executed, 1)
		return nil
	}, WithMaxBatchSize(100), WithMaxWaitTime(20*time.Millisecond))

	err := c.Add(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
}

func TestFIFOOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []Op

	c := New(func(ctx context.Context, ops []Op) error {
		mu.Lock()
		order = append(order, ops...)
		mu.Unlock()
		return nil
	}, WithMaxBatchSize(5), WithMaxWaitTime(time.Hour))

	// Add blocks until its batch runs, so each Add gets its own goroutine;
	// waiting for the queue to grow before starting the next one keeps the
	// enqueue order deterministic.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Add(context.Background(), i))
		}(i)
		for i < 4 && c.Size() < i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestExecutorFailurePropagates(t *testing.T) {
	wantErr := errors.New("boom")
	c := New(func(ctx context.Context, ops []Op) error {
		return wantErr
	}, WithMaxBatchSize(1), WithMaxWaitTime(time.Hour))

	err := c.Add(context.Background(), "a")
	assert.ErrorIs(t, err, wantErr)
}

func TestSize(t *testing.T) {
	c := New(func(ctx context.Context, ops []Op) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, WithMaxBatchSize(100), WithMaxWaitTime(time.Hour))

	go func() { _ = c.Add(context.Background(), "a") }()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, c.Size())
}

func TestManualFlush(t *testing.T) {
	var executed int32
	c := New(func(ctx context.Context, ops []Op) error {
		atomic.AddInt32(&executed, 1)
		return nil
	}, WithMaxBatchSize(100), WithMaxWaitTime(time.Hour))

	go func() { _ = c.Add(context.Background(), "a") }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
}

func TestOperationTimeout(t *testing.T) {
	c := New(func(ctx context.Context, ops []Op) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithMaxBatchSize(1), WithMaxWaitTime(time.Hour), WithOperationTimeout(20*time.Millisecond))

	err := c.Add(context.Background(), "a")
	assert.Error(t, err)
}

func TestClearIsSilentCancellation(t *testing.T) {
	c := New(func(ctx context.Context, ops []Op) error {
		return nil
	}, WithMaxBatchSize(100), WithMaxWaitTime(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Clear()
	}()

	err := c.Add(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Size())
}
