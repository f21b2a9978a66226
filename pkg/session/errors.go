package session

import (
	"errors"
	"fmt"

	"github.com/skylab-hpc/skylab/pkg/cluster"
)

// TransitionError indicates a requested session state change is not a valid
// edge of the lifecycle state machine.
type TransitionError struct {
	SessionID string
	From      cluster.SessionState
	To        cluster.SessionState
}

// Error implements the error interface
func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.SessionID, e.From, e.To)
}

// IsTransitionError checks if an error is a TransitionError.
func IsTransitionError(err error) bool {
	var transitionErr *TransitionError
	return errors.As(err, &transitionErr)
}
