package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
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

const apptCols = `id, patient_id, doctor_id, appointment_date,
	to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	consultation_type, notes, status, diagnosis, prescription, doctor_notes,
	queue_position, estimated_wait_time, check_in_time, called_time, completed_time,
	started_at, completed_at, notification_sent, notification_sent_at,
	created_at, updated_at`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Date,
		&a.StartTime, &a.EndTime,
		&a.Kind, &a.Notes, &a.Status, &a.Diagnosis, &a.Prescription, &a.DoctorNotes,
		&a.QueuePosition, &a.EstimatedWait, &a.CheckInTime, &a.CalledTime, &a.CompletedTime,
		&a.StartedAt, &a.CompletedAt, &a.NotificationSent, &a.NotificationSentAt,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date,
			start_time, end_time, consultation_type, notes, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.PatientID, a.DoctorID, a.Date,
		a.StartTime, a.EndTime, a.Kind, a.Notes, a.Status)
	if isUniqueViolation(err) {
		return apperr.ErrSlotConflict
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET appointment_date=$2, start_time=$3, end_time=$4,
			notes=$5, status=$6, diagnosis=$7, prescription=$8, doctor_notes=$9,
			queue_position=$10, estimated_wait_time=$11,
			check_in_time=$12, called_time=$13, completed_time=$14,
			started_at=$15, completed_at=$16,
			notification_sent=$17, notification_sent_at=$18, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Date, a.StartTime, a.EndTime,
		a.Notes, a.Status, a.Diagnosis, a.Prescription, a.DoctorNotes,
		a.QueuePosition, a.EstimatedWait,
		a.CheckInTime, a.CalledTime, a.CompletedTime,
		a.StartedAt, a.CompletedAt,
		a.NotificationSent, a.NotificationSentAt)
	if isUniqueViolation(err) {
		return apperr.ErrSlotConflict
	}
	if err == nil && tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return err
}

func (r *repoPG) list(ctx context.Context, column string, id uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error) {
	where := fmt.Sprintf(`WHERE %s = $1`, column)
	args := []interface{}{id}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM appointments %s
		ORDER BY appointment_date DESC, start_time DESC
		LIMIT $%d OFFSET $%d`, apptCols, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "patient_id", patientID, status, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, status string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "doctor_id", doctorID, status, limit, offset)
}

func (r *repoPG) CountOverlapping(ctx context.Context, doctorID uuid.UUID, date time.Time, start, end string, exclude *uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2
		  AND status <> 'cancelled'
		  AND start_time < $4::time AND end_time > $3::time`
	args := []interface{}{doctorID, date, start, end}
	if exclude != nil {
		query += ` AND id <> $5`
		args = append(args, *exclude)
	}

	var n int
	err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *availabilityRepoPG) GetForDay(ctx context.Context, doctorID uuid.UUID, day time.Weekday) (*Availability, error) {
	var av Availability
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, doctor_id, day_of_week,
			to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), is_available
		FROM doctor_availability
		WHERE doctor_id = $1 AND day_of_week = $2`,
		doctorID, int(day)).
		Scan(&av.ID, &av.DoctorID, &av.DayOfWeek, &av.StartTime, &av.EndTime, &av.IsAvailable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &av, err
}
