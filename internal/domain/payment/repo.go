package payment

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists payment records. "No rows" maps to
// apperr.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	// GetByAppointment returns the most recent record for the appointment.
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Record, error)
	GetByIntent(ctx context.Context, intentID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
}

// DoctorFees reads a doctor's consultation fee in minor currency units.
type DoctorFees interface {
	FeeCents(ctx context.Context, doctorID uuid.UUID) (int64, error)
}

// Provider is the narrow payment-provider surface the coordinator needs.
// The concrete SDK integration lives outside this core.
type Provider interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (intentID, clientSecret string, err error)
	Refund(ctx context.Context, intentID string) (refundID string, err error)
}
