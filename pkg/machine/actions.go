package machine

import (
	"errors"
	"fmt"
)

// ErrActionFailure is the sentinel wrapped by every guard, action,
// transformer, or emit function failure.
var ErrActionFailure = errors.New("action failure")

// ActionFailureError carries which callable failed during which phase. The
// step that raised it is aborted and the snapshot stays untouched.
type ActionFailureError struct {
	ID    string // guard/action/transformer/emit identifier
	Phase string // guard, transform, entry, exit, transition, emit, onDone
	Err   error
}

func (e *ActionFailureError) Error() string {
	return fmt.Sprintf("action failure: %s %q: %v", e.Phase, e.ID, e.Err)
}

func (e *ActionFailureError) Unwrap() error { return e.Err }

// Is matches ErrActionFailure so errors.Is works across the wrap chain.
func (e *ActionFailureError) Is(target error) bool { return target == ErrActionFailure }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *ActionFailureError) ErrorName() string { return "ActionFailure" }

// Built-in actions. Any transition, entry, or exit list may reference them
// by name without declaring them in the definition's Actions table.
const (
	// ActionUpdateContext shallow-merges the event data (minus "type") into
	// the context.
	ActionUpdateContext = "updateContext"
	// ActionUpdateLogs appends a log record for the current event.
	ActionUpdateLogs = "updateLogs"
	// ActionUpdateCheckpoint appends an orchestration-time record.
	ActionUpdateCheckpoint = "updateCheckpoint"
)

func isBuiltinAction(name string) bool {
	switch name {
	case ActionUpdateContext, ActionUpdateLogs, ActionUpdateCheckpoint:
		return true
	}
	return false
}
