package payment

import (
	"context"
	"errors"

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

const payCols = `id, appointment_id, intent_id, amount, currency, status, refund_id, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.AppointmentID, &rec.IntentID, &rec.Amount,
		&rec.Currency, &rec.Status, &rec.RefundID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return &rec, err
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, appointment_id, intent_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.AppointmentID, rec.IntentID, rec.Amount, rec.Currency, rec.Status)
	// The partial unique index on appointment_id for live records backs
	// the at-most-one-active-payment invariant.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.ErrPaymentNotEligible
	}
	return err
}

func (r *repoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `
		SELECT `+payCols+` FROM payments
		WHERE appointment_id = $1
		ORDER BY created_at DESC LIMIT 1`, appointmentID))
}

func (r *repoPG) GetByIntent(ctx context.Context, intentID string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `
		SELECT `+payCols+` FROM payments WHERE intent_id = $1`, intentID))
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET status=$2, refund_id=$3, updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.Status, rec.RefundID)
	if err == nil && tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return err
}

type doctorFeesPG struct{ pool *pgxpool.Pool }

func NewDoctorFeesPG(pool *pgxpool.Pool) DoctorFees { return &doctorFeesPG{pool: pool} }

func (r *doctorFeesPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *doctorFeesPG) FeeCents(ctx context.Context, doctorID uuid.UUID) (int64, error) {
	var cents int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT ROUND(consultation_fee * 100)::bigint FROM doctors WHERE id = $1`,
		doctorID).Scan(&cents)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.ErrNotFound
	}
	return cents, err
}
