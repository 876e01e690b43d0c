// Package apperr defines the domain error taxonomy shared by the
// appointment, queue, payment and notification services. Handlers map
// these sentinels to HTTP status codes; everything else wraps them with
// fmt.Errorf("...: %w", err) so errors.Is keeps working up the stack.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound indicates the appointment, doctor or payment record
	// does not exist (or is not visible to the caller).
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the actor lacks ownership or role for the
	// requested operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidStateTransition indicates the requested event is not
	// legal from the appointment's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrSlotConflict indicates the requested slot overlaps an existing
	// non-cancelled appointment or falls outside the doctor's declared
	// availability.
	ErrSlotConflict = errors.New("slot conflict")

	// ErrValidation indicates a malformed request shape.
	ErrValidation = errors.New("validation failed")

	// ErrPaymentNotEligible indicates an intent creation or refund was
	// attempted from the wrong payment state.
	ErrPaymentNotEligible = errors.New("payment not eligible")
)

// HTTPStatus maps a domain error to an HTTP status code. Unclassified
// errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrSlotConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrPaymentNotEligible):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
