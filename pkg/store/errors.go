package store

import (
	"errors"
	"fmt"
)

// ConflictError indicates a conditional write lost a version race. Callers
// are expected to re-read and retry; this is contention, not failure.
type ConflictError struct {
	Key             string // Key that was written
	ExpectedVersion uint64 // Version the caller saw
	ActualVersion   uint64 // Version currently stored (0 if the key is absent)
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	if e.ExpectedVersion == 0 {
		return fmt.Sprintf("key %s already exists at version %d", e.Key, e.ActualVersion)
	}
	return fmt.Sprintf("version conflict on key %s: expected %d, found %d", e.Key, e.ExpectedVersion, e.ActualVersion)
}

// IsConflict checks if an error is a ConflictError
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// NotFoundError indicates a key was not found
type NotFoundError struct {
	Key string // Key that was not found
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// IsNotFound checks if an error is a NotFoundError
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NotLeaderError indicates a write was attempted on a raft follower. Writes
// must be redirected to the current leader.
type NotLeaderError struct {
	LeaderAddr string // Address of the current leader, empty if unknown
	Operation  string // Operation that was attempted
}

// Error implements the error interface
func (e *NotLeaderError) Error() string {
	if e.LeaderAddr == "" {
		return fmt.Sprintf("not the leader (no leader known) for operation: %s", e.Operation)
	}
	return fmt.Sprintf("not the leader (redirect to %s) for operation: %s", e.LeaderAddr, e.Operation)
}

// IsNotLeader checks if an error is a NotLeaderError
func IsNotLeader(err error) bool {
	var notLeaderErr *NotLeaderError
	return errors.As(err, &notLeaderErr)
}
