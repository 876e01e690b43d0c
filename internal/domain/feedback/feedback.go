// Package feedback records which completed appointments are eligible
// for patient feedback. Collection and rating aggregation live in a
// separate surface; this package only guarantees the exactly-once
// eligibility placeholder that completion creates.
package feedback

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/clinicdesk/internal/platform/db"
)

type Store struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// EnsureEligibility creates the placeholder for an appointment. Calling
// it again for the same appointment leaves the existing row untouched.
func (s *Store) EnsureEligibility(ctx context.Context, appointmentID, patientID, doctorID uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO feedback_eligibility (id, appointment_id, patient_id, doctor_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (appointment_id) DO NOTHING`,
		uuid.New(), appointmentID, patientID, doctorID)
	return err
}

// IsEligible reports whether a placeholder exists for the appointment.
func (s *Store) IsEligible(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM feedback_eligibility WHERE appointment_id = $1)`,
		appointmentID).Scan(&exists)
	return exists, err
}
