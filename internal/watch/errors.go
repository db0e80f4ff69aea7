package watch

import "errors"

// ErrTooManyWatchers is returned by Watch when maxWatchers is reached.
var ErrTooManyWatchers = errors.New("watch: too many watchers")

// panicError wraps a recovered panic value as an error.
type panicError struct {
	value any
}

func (p panicError) Error() string {
	if err, ok := p.value.(error); ok {
		return "watch: callback panicked: " + err.Error()
	}
	return "watch: callback panicked"
}
