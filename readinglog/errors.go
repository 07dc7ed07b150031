/*
errors.go - Centralized error types for the reading-log core

ERROR CATEGORIES (matching the taxonomy the API maps to HTTP status):
  1. Validation errors     - malformed submission content
  2. Authorization errors  - wrong role or ownership mismatch
  3. State-conflict errors - transition from a disallowed current state
  4. Not-found / dependency errors

USAGE:
  if readinglog.IsConflict(err) {
      // tell the caller to refresh; nothing was applied
  }
*/
package readinglog

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRecordNotFound is returned when the referenced record doesn't exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrProfileNotFound is returned when the referenced user has no profile.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrClassNotFound is returned when the referenced class doesn't exist.
	ErrClassNotFound = errors.New("class not found")

	// ErrNotPending is returned when approve/reject targets a record that
	// is no longer pending. Exactly one of two concurrent attempts sees it.
	ErrNotPending = errors.New("record is not pending")

	// ErrRecordApproved is returned when a student tries to edit an
	// approved record. Approval is terminal.
	ErrRecordApproved = errors.New("record is approved and can no longer be edited")

	// ErrNotAuthorized is returned on role or ownership mismatch.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotEnrolled is returned when a student has no class membership.
	ErrNotEnrolled = errors.New("student is not enrolled in a class")

	// ErrAlreadyEnrolled is returned when enrolling a student twice.
	ErrAlreadyEnrolled = errors.New("student is already enrolled")

	// ErrProfileExists is returned when profile setup runs a second time.
	ErrProfileExists = errors.New("profile is already set up")

	// ErrClassExists is returned when creating a class whose id is taken.
	ErrClassExists = errors.New("class already exists")

	// ErrDuplicateCredit is returned by the store when a reward credit
	// with the same idempotency key already exists. This is the last-line
	// guard against double-crediting a record.
	ErrDuplicateCredit = errors.New("duplicate reward credit")

	// ErrInvalidRole is returned when a role claim is not in the enum.
	ErrInvalidRole = errors.New("invalid role")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateConflictError reports a transition attempted from a disallowed
// state. The record is left unchanged; the caller should refresh.
type StateConflictError struct {
	RecordID RecordID
	Current  RecordStatus
	Action   string // "approve", "reject", "edit"
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s record %d: status is %s", e.Action, e.RecordID, e.Current)
}

func (e *StateConflictError) Unwrap() error {
	if e.Current == StatusApproved && e.Action == "edit" {
		return ErrRecordApproved
	}
	return ErrNotPending
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether the error names a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrClassNotFound)
}

// IsConflict reports whether the error is a state conflict: the
// transition was refused and no side effects were applied.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrRecordApproved) ||
		errors.Is(err, ErrDuplicateCredit) ||
		errors.Is(err, ErrAlreadyEnrolled) ||
		errors.Is(err, ErrProfileExists) ||
		errors.Is(err, ErrClassExists)
}

// IsClientError reports whether the error is due to caller input rather
// than the service.
func IsClientError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrNotEnrolled) ||
		IsConflict(err)
}
