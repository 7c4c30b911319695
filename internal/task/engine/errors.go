package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrInFlightCap = errors.New("task skipped: in-flight cap reached")
)

// CallbackError is recorded when a task returns an error or panics.
// It never unschedules the job that produced the task.
type CallbackError struct {
	Job   string
	Err   error
	Panic any
	Stack string
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback %s panicked: %v", e.Job, e.Panic)
	}
	return fmt.Sprintf("callback %s failed: %v", e.Job, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
