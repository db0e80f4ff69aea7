package txn

import "fmt"

// Error wraps the original failure (body error or commit error) that
// triggered a rollback.
type Error struct {
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("txn: transaction failed: %v", e.Cause) }

func (e *Error) Unwrap() error { return e.Cause }
