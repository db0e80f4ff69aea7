// Package watch implements the watcher manager: pattern-
// matched change notifications with a watcher cap, per-watcher error
// isolation, consecutive-error auto-disable, and fixed-window rate
// limiting.
package watch

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for a newly constructed Manager.
const (
	DefaultMaxWatchers            = 1000
	DefaultMaxErrorsBeforeDisable = 10
	DefaultMaxCallsPerWindow      = 1000
	DefaultRateLimitWindow        = time.Second
)

// Event is delivered to a watcher callback and to the manager-level
// listener on every notification.
type Event struct {
	Kind      string
	Key       string
	Value     any
	OldValue  any
	Timestamp time.Time
}

// Callback is a caller-supplied watcher function. The manager treats it
// as untrusted: a panic or returned error is caught, counted against the
// watcher, and never propagates to the notifier.
type Callback func(Event) error

// GlobalListener receives the manager-wide event emitted after a
// notification's per-watcher fan-out completes.
type GlobalListener func(Event)

// ErrorListener receives out-of-band reports when a watcher callback
// fails.
type ErrorListener func(watcherID string, err error)

type watcher struct {
	id       string
	matcher  func(key string) bool
	callback Callback

	consecutiveErrors int
	disabled          bool

	windowStart time.Time
	windowCalls int
}

// Manager owns the set of registered watchers and dispatches
// notifications to them.
type Manager struct {
	logger *zap.Logger

	mu       sync.Mutex
	order    []string // watcher-creation order, for dispatch ordering
	watchers map[string]*watcher

	maxWatchers            int
	maxErrorsBeforeDisable int
	maxCallsPerWindow      int
	rateLimitWindow        time.Duration

	globalMu        sync.Mutex
	globalListeners []GlobalListener
	errorListeners  []ErrorListener
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option { return func(m *Manager) { m.logger = logger } }
func WithMaxWatchers(n int) Option         { return func(m *Manager) { m.maxWatchers = n } }
func WithMaxErrorsBeforeDisable(n int) Option {
	return func(m *Manager) { m.maxErrorsBeforeDisable = n }
}
func WithMaxCallsPerWindow(n int) Option { return func(m *Manager) { m.maxCallsPerWindow = n } }
func WithRateLimitWindow(d time.Duration) Option {
	return func(m *Manager) { m.rateLimitWindow = d }
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:                 zap.NewNop(),
		watchers:               make(map[string]*watcher),
		maxWatchers:            DefaultMaxWatchers,
		maxErrorsBeforeDisable: DefaultMaxErrorsBeforeDisable,
		maxCallsPerWindow:      DefaultMaxCallsPerWindow,
		rateLimitWindow:        DefaultRateLimitWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CompilePattern turns a glob-style pattern string into a key matcher.
// A pattern containing "*" is regex-escaped everywhere else and "*" is
// replaced with ".*", then anchored; a pattern without "*" matches by
// equality.
func CompilePattern(pattern string) (func(key string) bool, error) {
	if !strings.Contains(pattern, "*") {
		return func(key string) bool { return key == pattern }, nil
	}
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return func(key string) bool { return re.MatchString(key) }, nil
}

// Watch registers callback against pattern (a glob string) and returns
// the watcher's ID and an unsubscribe function. Fails if maxWatchers
// would be exceeded.
func (m *Manager) Watch(pattern string, callback Callback) (string, func(), error) {
	matcher, err := CompilePattern(pattern)
	if err != nil {
		return "", nil, err
	}
	return m.WatchFunc(matcher, callback)
}

// WatchRegex registers callback against a watcher whose matcher tests
// key directly with re.
func (m *Manager) WatchRegex(re *regexp.Regexp, callback Callback) (string, func(), error) {
	return m.WatchFunc(func(key string) bool { return re.MatchString(key) }, callback)
}

// WatchFunc registers callback under an arbitrary key matcher.
func (m *Manager) WatchFunc(matcher func(string) bool, callback Callback) (string, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.watchers) >= m.maxWatchers {
		return "", nil, ErrTooManyWatchers
	}

	id := uuid.NewString()
	w := &watcher{id: id, matcher: matcher, callback: callback}
	m.watchers[id] = w
	m.order = append(m.order, id)

	unsubscribe := func() { m.unwatch(id) }
	return id, unsubscribe, nil
}

func (m *Manager) unwatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[id]; !ok {
		return
	}
	delete(m.watchers, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// OnEvent registers a manager-level listener invoked after per-watcher
// fan-out for every notification.
func (m *Manager) OnEvent(listener GlobalListener) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.globalListeners = append(m.globalListeners, listener)
}

// OnError registers a listener invoked out-of-band whenever a watcher
// callback fails.
func (m *Manager) OnError(listener ErrorListener) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.errorListeners = append(m.errorListeners, listener)
}

// Notify dispatches an event to every matching, enabled, unthrottled
// watcher in creation order, then emits the global event.
func (m *Manager) Notify(kind, key string, newValue, oldValue any) {
	ev := Event{Kind: kind, Key: key, Value: newValue, OldValue: oldValue, Timestamp: time.Now()}

	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		m.dispatchOne(id, ev)
	}

	m.globalMu.Lock()
	listeners := make([]GlobalListener, len(m.globalListeners))
	copy(listeners, m.globalListeners)
	m.globalMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (m *Manager) dispatchOne(id string, ev Event) {
	m.mu.Lock()
	w, ok := m.watchers[id]
	if !ok || w.disabled {
		m.mu.Unlock()
		return
	}
	if !w.matcher(ev.Key) {
		m.mu.Unlock()
		return
	}
	if !m.allowCallLocked(w) {
		m.mu.Unlock()
		return
	}
	callback := w.callback
	m.mu.Unlock()

	err := m.invoke(callback, ev)

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok = m.watchers[id]
	if !ok {
		return
	}
	if err != nil {
		w.consecutiveErrors++
		if w.consecutiveErrors >= m.maxErrorsBeforeDisable {
			w.disabled = true
		}
		m.reportError(id, err)
	} else {
		w.consecutiveErrors = 0
	}
}

// allowCallLocked enforces the per-watcher rate limit over fixed windows:
// the call count resets once rateLimitWindow has passed since the window
// began, so it is not a sliding window. Caller holds m.mu.
func (m *Manager) allowCallLocked(w *watcher) bool {
	now := time.Now()
	if now.Sub(w.windowStart) >= m.rateLimitWindow {
		w.windowStart = now
		w.windowCalls = 0
	}
	if w.windowCalls >= m.maxCallsPerWindow {
		return false
	}
	w.windowCalls++
	return true
}

// invoke calls callback, converting a panic into an error so a single
// misbehaving watcher can never take down the notifier.
func (m *Manager) invoke(callback Callback, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return callback(ev)
}

func (m *Manager) reportError(watcherID string, err error) {
	m.globalMu.Lock()
	listeners := make([]ErrorListener, len(m.errorListeners))
	copy(listeners, m.errorListeners)
	m.globalMu.Unlock()
	for _, l := range listeners {
		l(watcherID, err)
	}
}

// Count returns the number of currently registered watchers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Clear removes all watchers.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = make(map[string]*watcher)
	m.order = nil
}
