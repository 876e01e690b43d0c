package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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

func (r *repoPG) CreateRecord(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notifications (id, appointment_id, recipient, subject, body, kind, data, delivered)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		rec.ID, rec.AppointmentID, rec.Recipient, rec.Subject, rec.Body,
		rec.Kind, rec.Data, rec.Delivered).
		Scan(&rec.CreatedAt)
}

func (r *repoPG) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE notifications SET delivered = TRUE WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return err
}

func (r *repoPG) RecordFailure(ctx context.Context, f *Failure) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notification_errors (id, appointment_id, error_type, message, context, retry_count, last_attempt)
		VALUES ($1,$2,$3,$4,$5,0,NOW())
		ON CONFLICT (appointment_id, error_type) DO UPDATE SET
			message = EXCLUDED.message,
			context = EXCLUDED.context,
			retry_count = notification_errors.retry_count + 1,
			last_attempt = NOW()
		RETURNING id, retry_count, last_attempt`,
		uuid.New(), f.AppointmentID, f.ErrorType, f.Message, f.Context).
		Scan(&f.ID, &f.RetryCount, &f.LastAttempt)
}

func (r *repoPG) ClearFailure(ctx context.Context, appointmentID uuid.UUID, errorType string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM notification_errors WHERE appointment_id = $1 AND error_type = $2`,
		appointmentID, errorType)
	return err
}

func (r *repoPG) ListRetryable(ctx context.Context, maxRetries int, before time.Time) ([]*Failure, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, error_type, message, context, retry_count, last_attempt
		FROM notification_errors
		WHERE retry_count <= $1 AND last_attempt < $2
		ORDER BY last_attempt`,
		maxRetries, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.AppointmentID, &f.ErrorType, &f.Message,
			&f.Context, &f.RetryCount, &f.LastAttempt); err != nil {
			return nil, err
		}
		items = append(items, &f)
	}
	return items, rows.Err()
}

// ListUpcoming runs inside a transaction with a statement timeout so a
// slow scan cannot pin a pool connection across the whole sweep.
func (r *repoPG) ListUpcoming(ctx context.Context, now time.Time, lookahead time.Duration, limit int) ([]*Reminder, error) {
	conn := r.conn(ctx)
	if _, err := conn.Exec(ctx, `SET LOCAL statement_timeout = '5000ms'`); err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, `
		SELECT a.id, a.patient_id, u.email, u.name, d.name,
			a.appointment_date, to_char(a.start_time, 'HH24:MI')
		FROM appointments a
		JOIN users u ON u.id = a.patient_id
		JOIN doctors d ON d.id = a.doctor_id
		WHERE a.status = 'scheduled'
		  AND NOT a.notification_sent
		  AND a.appointment_date + a.start_time BETWEEN $1 AND $2
		ORDER BY a.appointment_date, a.start_time
		LIMIT $3`,
		now, now.Add(lookahead), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Reminder
	for rows.Next() {
		var rem Reminder
		if err := rows.Scan(&rem.AppointmentID, &rem.PatientID, &rem.Email,
			&rem.PatientName, &rem.DoctorName, &rem.Date, &rem.StartTime); err != nil {
			return nil, err
		}
		items = append(items, &rem)
	}
	return items, rows.Err()
}

func (r *repoPG) MarkNotified(ctx context.Context, appointmentID uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET notification_sent = TRUE, notification_sent_at = $2, updated_at = NOW()
		WHERE id = $1`,
		appointmentID, at)
	if err == nil && tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return err
}

type directoryPG struct{ pool *pgxpool.Pool }

func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (d *directoryPG) EmailFor(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := d.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.ErrNotFound
	}
	return email, err
}
