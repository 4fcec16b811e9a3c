package scheduler

import (
	"errors"
	"fmt"

	"modelbench/internal/domain"
)

// ErrHistoryMismatch is the fatal stale-cache condition: a reuse job's bound
// history entry records defining fields that diverge from the live task at
// the same signature. Silently trusting such an entry would invalidate every
// downstream comparison, so the whole run aborts before any execute job is
// dispatched.
var ErrHistoryMismatch = errors.New("history entry diverges from live task definition")

// MismatchError carries the context of a fatal history mismatch.
type MismatchError struct {
	Worker  string
	TaskID  string
	Rep     int
	Sig     domain.Signature
	EntryID int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("history entry %d for task %s worker %s rep %d (signature %s): %v",
		e.EntryID, e.TaskID, e.Worker, e.Rep, e.Sig, ErrHistoryMismatch)
}

func (e *MismatchError) Unwrap() error { return ErrHistoryMismatch }
