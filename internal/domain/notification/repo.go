package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores notification records and durable delivery failures.
type Repository interface {
	CreateRecord(ctx context.Context, rec *Record) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error

	// RecordFailure upserts on (appointment_id, error_type): a repeat
	// failure increments retry_count and refreshes last_attempt.
	RecordFailure(ctx context.Context, f *Failure) error
	ClearFailure(ctx context.Context, appointmentID uuid.UUID, errorType string) error

	// ListRetryable returns failures with at most maxRetries attempts
	// whose last attempt is older than the cutoff.
	ListRetryable(ctx context.Context, maxRetries int, before time.Time) ([]*Failure, error)

	// ListUpcoming returns scheduled, not-yet-notified appointments
	// starting within the lookahead window, capped at limit rows.
	ListUpcoming(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]*Reminder, error)
	MarkNotified(ctx context.Context, appointmentID uuid.UUID, at time.Time) error
}

// Directory resolves a user's contact address.
type Directory interface {
	EmailFor(ctx context.Context, userID uuid.UUID) (string, error)
}
