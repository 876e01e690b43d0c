package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/domain/appointment"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
	"github.com/clinicdesk/clinicdesk/internal/platform/db"
)

// AppointmentStore is the read surface the coordinator needs.
type AppointmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

// Lifecycle drives the payment transitions on the appointment state
// machine. Both calls are idempotent under webhook replay.
type Lifecycle interface {
	ConfirmPayment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, bool, error)
	FailPayment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, bool, error)
}

// Service is the payment coordinator.
type Service struct {
	tx        db.Transactor
	repo      Repository
	fees      DoctorFees
	appts     AppointmentStore
	lifecycle Lifecycle
	provider  Provider
	notifier  appointment.Notifier
	minAmount int64
	currency  string
	log       zerolog.Logger
}

func NewService(tx db.Transactor, repo Repository, fees DoctorFees,
	appts AppointmentStore, lifecycle Lifecycle, provider Provider,
	notifier appointment.Notifier, minAmount int64, currency string, log zerolog.Logger) *Service {
	return &Service{
		tx:        tx,
		repo:      repo,
		fees:      fees,
		appts:     appts,
		lifecycle: lifecycle,
		provider:  provider,
		notifier:  notifier,
		minAmount: minAmount,
		currency:  currency,
		log:       log,
	}
}

// CreateIntent opens a payment intent for a pending_payment appointment.
// Only the owning patient may pay. The amount is the doctor's
// consultation fee in minor units and must clear the provider's minimum
// charge. An appointment that already has a live (created or succeeded)
// record cannot get a second intent.
func (s *Service) CreateIntent(ctx context.Context, p auth.Principal, appointmentID uuid.UUID) (*IntentResult, error) {
	a, err := s.appts.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if a.PatientID != p.ID {
		return nil, apperr.ErrForbidden
	}
	if a.Status != appointment.StatusPendingPayment {
		return nil, fmt.Errorf("%w: appointment is %s, not awaiting payment", apperr.ErrPaymentNotEligible, a.Status)
	}

	existing, err := s.repo.GetByAppointment(ctx, appointmentID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if existing != nil && (existing.Status == StatusCreated || existing.Status == StatusSucceeded) {
		return nil, fmt.Errorf("%w: an active payment already exists", apperr.ErrPaymentNotEligible)
	}

	amount, err := s.fees.FeeCents(ctx, a.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load consultation fee: %w", err)
	}
	if amount < s.minAmount {
		return nil, fmt.Errorf("%w: amount %d is below the minimum charge of %d", apperr.ErrPaymentNotEligible, amount, s.minAmount)
	}

	intentID, clientSecret, err := s.provider.CreateIntent(ctx, amount, s.currency, map[string]string{
		"appointmentId": appointmentID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	rec := &Record{
		AppointmentID: appointmentID,
		IntentID:      intentID,
		Amount:        amount,
		Currency:      s.currency,
		Status:        StatusCreated,
	}
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, rec)
	}); err != nil {
		return nil, err
	}

	return &IntentResult{
		IntentID:     intentID,
		ClientSecret: clientSecret,
		Amount:       amount,
		Currency:     s.currency,
	}, nil
}

// HandleProviderEvent absorbs a webhook delivery. Unknown event types
// and events for unknown appointments are ignored. Success marks the
// record succeeded and confirms the appointment; failure marks it failed
// and cancels. Replayed deliveries find the work already done and change
// nothing.
func (s *Service) HandleProviderEvent(ctx context.Context, evt Event) error {
	if evt.Type != EventIntentSucceeded && evt.Type != EventIntentFailed {
		return nil
	}
	appointmentID, ok := evt.AppointmentID()
	if !ok {
		s.log.Warn().Str("event_type", evt.Type).Msg("provider event without appointment metadata")
		return nil
	}

	var updated *appointment.Appointment
	var transitioned bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetByAppointment(ctx, appointmentID)
		if errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn().Str("appointment_id", appointmentID.String()).Msg("provider event for unknown payment")
			return nil
		}
		if err != nil {
			return err
		}

		switch evt.Type {
		case EventIntentSucceeded:
			if rec.Status != StatusSucceeded && rec.Status != StatusRefunded {
				rec.Status = StatusSucceeded
				if err := s.repo.Update(ctx, rec); err != nil {
					return err
				}
			}
			updated, transitioned, err = s.lifecycle.ConfirmPayment(ctx, appointmentID)
			return err
		case EventIntentFailed:
			if rec.Status == StatusCreated {
				rec.Status = StatusFailed
				if err := s.repo.Update(ctx, rec); err != nil {
					return err
				}
			}
			updated, transitioned, err = s.lifecycle.FailPayment(ctx, appointmentID)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if transitioned && s.notifier != nil {
		s.notifier.StatusChanged(ctx, updated, appointment.StatusPendingPayment)
	}
	return nil
}

// MaybeRefund evaluates refund eligibility for a cancelled appointment.
// Only a succeeded payment is refundable; anything else yields a
// non-error "not eligible" outcome so cancellation never fails over a
// missing refund.
func (s *Service) MaybeRefund(ctx context.Context, appointmentID uuid.UUID) (refunded bool, reason string, err error) {
	rec, err := s.repo.GetByAppointment(ctx, appointmentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, "no payment record", nil
	}
	if err != nil {
		return false, "", err
	}
	if rec.Status != StatusSucceeded {
		return false, fmt.Sprintf("payment is %s, not refundable", rec.Status), nil
	}

	refundID, err := s.provider.Refund(ctx, rec.IntentID)
	if err != nil {
		return false, "", fmt.Errorf("provider refund: %w", err)
	}

	rec.Status = StatusRefunded
	rec.RefundID = &refundID
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.Update(ctx, rec)
	}); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// Get returns the appointment's payment record to its participants.
func (s *Service) Get(ctx context.Context, p auth.Principal, appointmentID uuid.UUID) (*Record, error) {
	a, err := s.appts.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if a.PatientID != p.ID && a.DoctorID != p.ID && !p.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	return s.repo.GetByAppointment(ctx, appointmentID)
}
