package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/clinicdesk/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func dayKey(day time.Time) int32 {
	return int32(day.Year()*10000 + int(day.Month())*100 + day.Day())
}

func (r *repoPG) Lock(ctx context.Context, doctorID uuid.UUID, day time.Time) error {
	// Transaction-scoped advisory lock on (doctor, day); two concurrent
	// check-ins for the same doctor serialize here.
	_, err := r.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), $2)`,
		doctorID.String(), dayKey(day))
	return err
}

// The waiting set is in-progress rows that hold a queue position. A
// consultation started directly from scheduled is also in-progress but
// carries no position and must not count against the queue.
func (r *repoPG) CountActive(ctx context.Context, doctorID uuid.UUID, day time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = 'in-progress'
		  AND queue_position IS NOT NULL`,
		doctorID, day).Scan(&n)
	return n, err
}

func (r *repoPG) ListActive(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, doctor_id, queue_position, estimated_wait_time, check_in_time
		FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = 'in-progress'
		  AND queue_position IS NOT NULL
		ORDER BY queue_position ASC, check_in_time ASC, id ASC`,
		doctorID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.AppointmentID, &e.PatientID, &e.DoctorID,
			&e.Position, &e.EstimatedWait, &e.CheckInTime); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *repoPG) Compact(ctx context.Context, doctorID uuid.UUID, day time.Time, removedPosition, serviceMinutes int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET queue_position = queue_position - 1,
		    estimated_wait_time = GREATEST(estimated_wait_time - $4, 0),
		    updated_at = NOW()
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = 'in-progress'
		  AND queue_position IS NOT NULL AND queue_position > $3`,
		doctorID, day, removedPosition, serviceMinutes)
	return err
}
