package watch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobMatching(t *testing.T) {
	m := New()
	var got []string
	var mu sync.Mutex
	_, _, err := m.Watch("user:*", func(ev Event) error {
		mu.Lock()
		got = append(got, ev.Key)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	m.Notify("set", "user:1", "a", nil)
	m.Notify("set", "other:1", "b", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user:1"}, got)
}

func TestExactMatchWithoutGlob(t *testing.T) {
	m := New()
	var calls int
	_, _, err := m.Watch("exact-key", func(ev Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	m.Notify("set", "exact-key", "a", nil)
	m.Notify("set", "exact-key-ish", "a", nil)
	assert.Equal(t, 1, calls)
}

func TestMaxWatchers(t *testing.T) {
	m := New(WithMaxWatchers(1))
	_, _, err := m.Watch("*", func(Event) error { return nil })
	require.NoError(t, err)
	_, _, err = m.Watch("*", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrTooManyWatchers)
}

func TestAutoDisableAfterConsecutiveErrors(t *testing.T) {
	m := New(WithMaxErrorsBeforeDisable(3))
	var calls int
	_, _, err := m.Watch("*", func(Event) error {
		calls++
		return errors.New("boom")
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		m.Notify("set", "k", "v", nil)
	}
	assert.Equal(t, 3, calls, "watcher should stop being invoked after maxErrorsBeforeDisable")
}

func TestRateLimiting(t *testing.T) {
	m := New(WithMaxCallsPerWindow(2), WithRateLimitWindow(time.Hour))
	var calls int
	_, _, err := m.Watch("*", func(Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.Notify("set", "k", "v", nil)
	}
	assert.Equal(t, 2, calls)
}

func TestPanicIsIsolated(t *testing.T) {
	m := New()
	var errCount int
	m.OnError(func(id string, err error) { errCount++ })

	_, _, err := m.Watch("*", func(Event) error {
		panic("boom")
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() { m.Notify("set", "k", "v", nil) })
	assert.Equal(t, 1, errCount)
}

func TestGlobalListenerFiresAfterFanOut(t *testing.T) {
	m := New()
	var globalFired bool
	m.OnEvent(func(ev Event) {
		globalFired = true
		assert.Equal(t, "set", ev.Kind)
		assert.Equal(t, "k", ev.Key)
	})
	m.Notify("set", "k", "v", nil)
	assert.True(t, globalFired)
}

func TestUnsubscribe(t *testing.T) {
	m := New()
	var calls int
	_, unsubscribe, err := m.Watch("*", func(Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	m.Notify("set", "k", "v", nil)
	unsubscribe()
	m.Notify("set", "k", "v", nil)
	assert.Equal(t, 1, calls)
}

func TestDispatchOrderIsCreationOrder(t *testing.T) {
	m := New()
	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		_, _, err := m.Watch("*", func(Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	m.Notify("set", "k", "v", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
