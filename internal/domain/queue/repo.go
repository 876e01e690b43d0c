package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository runs the queue-view queries over the appointments table.
type Repository interface {
	// Lock takes the serialization point for one doctor's daily queue.
	// Must be called inside a transaction; the lock is released on
	// commit or rollback.
	Lock(ctx context.Context, doctorID uuid.UUID, day time.Time) error

	// CountActive counts the doctor's in-progress entries for the day.
	CountActive(ctx context.Context, doctorID uuid.UUID, day time.Time) (int, error)

	// ListActive returns the doctor's in-progress entries for the day
	// ordered by position, ties broken by check-in time then id.
	ListActive(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]*Entry, error)

	// Compact closes the gap left at removedPosition: every entry behind
	// it moves up one position and sheds one service interval of
	// estimated wait, floored at zero.
	Compact(ctx context.Context, doctorID uuid.UUID, day time.Time, removedPosition, serviceMinutes int) error
}
