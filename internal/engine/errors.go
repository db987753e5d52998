package engine

import (
	"errors"
	"fmt"

	"crmflow/internal/domain"
	"crmflow/internal/mutator"
	"crmflow/internal/repo"
)

var (
	ErrNotFound          = repo.ErrNotFound
	ErrUnknownEntityType = mutator.ErrUnknownEntityType
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidArgument   = errors.New("invalid argument")

	// ErrInvalidState is matched by every illegal transition attempt.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidationBlocked is returned when approving a proposal that still
	// has validation errors.
	ErrValidationBlocked = errors.New("validation errors block approval")
	// ErrAlreadyHandled is returned when another caller claimed the
	// proposal first.
	ErrAlreadyHandled = errors.New("proposal already handled")
)

// StateError describes an illegal transition on one proposal. It matches
// ErrInvalidState and its Reason.
type StateError struct {
	ID     string
	Status domain.Status
	Op     string
	Reason error
}

func (e *StateError) Error() string {
	reason := e.Reason
	if reason == nil {
		reason = ErrInvalidState
	}
	return fmt.Sprintf("cannot %s proposal %s in status %s: %v", e.Op, e.ID, e.Status, reason)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState || (e.Reason != nil && target == e.Reason)
}

func stateErr(p domain.Proposal, op string, reason error) *StateError {
	return &StateError{ID: p.ID, Status: p.Status, Op: op, Reason: reason}
}

// ExecutionError is returned when the entity service rejected the mutation.
// The message is stored verbatim on the failed proposal.
type ExecutionError struct {
	ID  string
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }
