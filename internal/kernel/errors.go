package kernel

import (
	"errors"
	"fmt"
)

// ErrReplayMismatch is the sentinel wrapped by every *MismatchError.
var ErrReplayMismatch = errors.New("replay mismatch")

// ErrNoTask is returned for operations on an unknown task id.
var ErrNoTask = errors.New("no such task")

// MismatchError reports that a replayed run diverged from its trace.
//
// A mismatch is fatal for the whole replay session: once live state differs
// from the recorded execution no later event in the trace can be trusted.
// The kernel refuses to run again after returning one.
type MismatchError struct {
	// Cycle is the virtual cycle at which the divergence was detected.
	Cycle uint64

	// Task is the task involved, or -1 for kernel-wide checks.
	Task int

	// What names the compared quantity (e.g. "syscall", "state_hash").
	What string

	// Expected is the recorded value; Actual is the live one.
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	if e.Task >= 0 {
		return fmt.Sprintf("replay mismatch at cycle %d (task %d): %s: expected %s, got %s",
			e.Cycle, e.Task, e.What, e.Expected, e.Actual)
	}
	return fmt.Sprintf("replay mismatch at cycle %d: %s: expected %s, got %s",
		e.Cycle, e.What, e.Expected, e.Actual)
}

// Unwrap returns ErrReplayMismatch so callers can use errors.Is.
func (e *MismatchError) Unwrap() error {
	return ErrReplayMismatch
}

// IsReplayMismatch returns true if err is or wraps a replay mismatch.
func IsReplayMismatch(err error) bool {
	return errors.Is(err, ErrReplayMismatch)
}

func mismatch(cycle uint64, task int, what string, expected, actual any) *MismatchError {
	return &MismatchError{
		Cycle:    cycle,
		Task:     task,
		What:     what,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	}
}
