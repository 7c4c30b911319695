package reconcile

import "fmt"

// Error is a reconcile failure for one user. ReconcileAll logs it and moves on.
type Error struct {
	UserID int64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile user %d: %v", e.UserID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
