package codec

import "fmt"

// InvalidValueError reports why Encode refused a value: a callable, a
// symbolic token, a cyclic reference, or an invalid temporal instant.
// The façade wraps this into the public InvalidValue error category
// ; callers of this package see the reason text directly.
type InvalidValueError struct {
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value: %s", e.Reason)
}

func invalidValue(format string, args ...any) error {
	return &InvalidValueError{Reason: fmt.Sprintf(format, args...)}
}
