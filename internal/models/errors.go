package models

import (
	"errors"
	"fmt"
)

// Booking and inventory failures. Callers attach detail by wrapping with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrNotFound              = errors.New("not found")
	ErrEventUnavailable      = errors.New("event is not available for booking")
	ErrEventEnded            = errors.New("event has already ended")
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrTicketInactive        = errors.New("ticket is not active")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrPurchaseLimitExceeded = errors.New("purchase limit exceeded")
	ErrCapacityExceeded      = errors.New("not enough tickets available")
	ErrAttendeeMismatch      = errors.New("attendee count does not match ticket quantity")
	ErrForbidden             = errors.New("forbidden")
	ErrNotCancellable        = errors.New("booking cannot be cancelled")
	ErrInvalidTransition     = errors.New("invalid booking status transition")
	ErrInvariantViolation    = errors.New("inventory invariant violation")
	ErrDependencyFailure     = errors.New("dependency failure")

	// ErrVersionConflict is returned by conditional writes when the stored
	// document no longer satisfies the write's precondition. Services
	// reload and decide again.
	ErrVersionConflict = errors.New("conditional write conflict")
	// ErrDuplicateConfirmationCode is returned when a booking insert hits
	// the unique confirmation code index.
	ErrDuplicateConfirmationCode = errors.New("duplicate confirmation code")
)

// IsClientError reports whether err is a validation or business-rule
// failure that the caller can act on, as opposed to a server fault.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest, ErrNotFound, ErrEventUnavailable, ErrEventEnded,
		ErrTicketNotFound, ErrTicketInactive, ErrInvalidQuantity,
		ErrPurchaseLimitExceeded, ErrCapacityExceeded, ErrAttendeeMismatch,
		ErrForbidden, ErrNotCancellable, ErrInvalidTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// dependencyError marks err as a dependency failure while keeping the
// driver error in the chain, so mongo.LabeledError and the transaction
// retry labels stay visible to session.WithTransaction.
func dependencyError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependencyFailure, op, err)
}
