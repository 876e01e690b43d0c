package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists appointments. Implementations translate "no rows"
// into apperr.ErrNotFound and unique-constraint violations on the
// (doctor, date, start) key into apperr.ErrSlotConflict.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error)

	// CountOverlapping counts non-cancelled appointments for the doctor on
	// the given date whose [start,end) interval overlaps the candidate
	// range. exclude, when non-nil, removes one appointment from its own
	// conflict set (reschedule).
	CountOverlapping(ctx context.Context, doctorID uuid.UUID, date time.Time, start, end string, exclude *uuid.UUID) (int, error)
}

// AvailabilityRepository reads a doctor's declared weekly windows.
type AvailabilityRepository interface {
	// GetForDay returns the availability row for the doctor and weekday,
	// or apperr.ErrNotFound when none is declared.
	GetForDay(ctx context.Context, doctorID uuid.UUID, day time.Weekday) (*Availability, error)
}
