package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
	"github.com/clinicdesk/clinicdesk/internal/platform/db"
)

// Policy holds the booking-window knobs. Admin actors bypass the notice
// windows but never the conflict checks.
type Policy struct {
	CancelMinNotice     time.Duration
	RescheduleMinNotice time.Duration
	RequirePayment      bool
}

// Notifier receives post-commit lifecycle events. Implementations are
// best effort; they never return errors to the booking flow.
type Notifier interface {
	AppointmentBooked(ctx context.Context, a *Appointment)
	AppointmentRescheduled(ctx context.Context, a *Appointment)
	StatusChanged(ctx context.Context, a *Appointment, previous Status)
}

// Refunder evaluates refund eligibility on cancellation. A non-eligible
// payment yields refunded=false with a reason, not an error.
type Refunder interface {
	MaybeRefund(ctx context.Context, appointmentID uuid.UUID) (refunded bool, reason string, err error)
}

// MeetingCreator provisions the video room when a consultation starts.
type MeetingCreator interface {
	Create(ctx context.Context, appointmentID, patientID, doctorID uuid.UUID) error
}

// FeedbackRecorder creates the feedback-eligibility placeholder on
// completion. Must be idempotent per appointment.
type FeedbackRecorder interface {
	EnsureEligibility(ctx context.Context, appointmentID, patientID, doctorID uuid.UUID) error
}

// RefundOutcome reports what happened to the payment when an appointment
// was cancelled.
type RefundOutcome struct {
	Refunded bool   `json:"refunded"`
	Reason   string `json:"reason,omitempty"`
}

// Service owns the appointment lifecycle: the state machine, the slot
// conflict checks guarding create and reschedule, and the post-commit
// side effects.
type Service struct {
	repo     Repository
	avail    AvailabilityRepository
	tx       db.Transactor
	policy   Policy
	notifier Notifier
	refunder Refunder
	meetings MeetingCreator
	feedback FeedbackRecorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(tx db.Transactor, repo Repository, avail AvailabilityRepository,
	policy Policy, notifier Notifier, refunder Refunder,
	meetings MeetingCreator, feedback FeedbackRecorder, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		avail:    avail,
		tx:       tx,
		policy:   policy,
		notifier: notifier,
		refunder: refunder,
		meetings: meetings,
		feedback: feedback,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRefunder late-binds the payment coordinator. The appointment and
// payment services reference each other, so one side is wired after
// construction.
func (s *Service) SetRefunder(r Refunder) { s.refunder = r }

// CheckSlot decides whether [start,end) on date is bookable for the
// doctor: the range must sit inside the declared availability window for
// that weekday and overlap no non-cancelled appointment. It fails closed
// when the doctor has no availability row. exclude removes one
// appointment from its own conflict set during a reschedule. The check is
// advisory; the unique key on (doctor, date, start) is the final arbiter
// under concurrency.
func (s *Service) CheckSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, start, end string, exclude *uuid.UUID) error {
	av, err := s.avail.GetForDay(ctx, doctorID, date.Weekday())
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("%w: doctor is not available on %s", apperr.ErrSlotConflict, date.Weekday())
	}
	if err != nil {
		return fmt.Errorf("load availability: %w", err)
	}
	if !av.IsAvailable || start < av.StartTime || end > av.EndTime {
		return fmt.Errorf("%w: requested time is outside the doctor's %s-%s window",
			apperr.ErrSlotConflict, av.StartTime, av.EndTime)
	}

	n, err := s.repo.CountOverlapping(ctx, doctorID, date, start, end, exclude)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: time range overlaps an existing appointment", apperr.ErrSlotConflict)
	}
	return nil
}

// Book creates an appointment for the requesting patient. The initial
// status is pending_payment when payment confirmation is required,
// scheduled otherwise. A losing concurrent booking for the same slot
// surfaces as ErrSlotConflict from the storage unique key.
func (s *Service) Book(ctx context.Context, p auth.Principal, req BookRequest) (*Appointment, error) {
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date", apperr.ErrValidation)
	}
	if req.Start >= req.End {
		return nil, fmt.Errorf("%w: start must be before end", apperr.ErrValidation)
	}

	status := StatusScheduled
	if s.policy.RequirePayment {
		status = StatusPendingPayment
	}

	a := &Appointment{
		PatientID: p.ID,
		DoctorID:  req.DoctorID,
		Date:      date,
		StartTime: req.Start,
		EndTime:   req.End,
		Kind:      req.Kind,
		Status:    status,
	}
	if req.Notes != "" {
		a.Notes = &req.Notes
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.CheckSlot(ctx, req.DoctorID, date, req.Start, req.End, nil); err != nil {
			return err
		}
		return s.repo.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	if a.Status == StatusScheduled && s.notifier != nil {
		s.notifier.AppointmentBooked(ctx, a)
	}
	return a, nil
}

// Reschedule moves a scheduled appointment to a new slot. Only the owning
// patient or an admin may reschedule; non-admins need the configured
// notice before the original start. Rescheduling onto the appointment's
// own current slot succeeds. pending_payment appointments cannot be
// rescheduled until the payment resolves.
func (s *Service) Reschedule(ctx context.Context, p auth.Principal, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date", apperr.ErrValidation)
	}
	if req.Start >= req.End {
		return nil, fmt.Errorf("%w: start must be before end", apperr.ErrValidation)
	}

	var a *Appointment
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.PatientID != p.ID && !p.IsAdmin() {
			return apperr.ErrForbidden
		}
		if a.Status != StatusScheduled {
			return fmt.Errorf("%w: cannot reschedule a %s appointment", apperr.ErrInvalidStateTransition, a.Status)
		}
		if !p.IsAdmin() && s.now().Add(s.policy.RescheduleMinNotice).After(a.StartsAt()) {
			return fmt.Errorf("%w: reschedule requires at least %v notice",
				apperr.ErrValidation, s.policy.RescheduleMinNotice)
		}
		if err := s.CheckSlot(ctx, a.DoctorID, date, req.Start, req.End, &a.ID); err != nil {
			return err
		}

		a.Date = date
		a.StartTime = req.Start
		a.EndTime = req.End
		return s.repo.Update(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.AppointmentRescheduled(ctx, a)
	}
	return a, nil
}

// Cancel marks the appointment cancelled and evaluates a refund. A
// pending_payment appointment may be cancelled at any time; a scheduled
// one needs the configured notice unless the actor is an admin. The
// refund outcome is informational and never blocks the cancellation.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, id uuid.UUID) (*Appointment, RefundOutcome, error) {
	var a *Appointment
	var previous Status
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.PatientID != p.ID && a.DoctorID != p.ID && !p.IsAdmin() {
			return apperr.ErrForbidden
		}

		switch a.Status {
		case StatusPendingPayment:
			// Nothing is confirmed yet; cancellable without notice.
		case StatusScheduled:
			if !p.IsAdmin() && s.now().Add(s.policy.CancelMinNotice).After(a.StartsAt()) {
				return fmt.Errorf("%w: cancellation requires at least %v notice",
					apperr.ErrValidation, s.policy.CancelMinNotice)
			}
		default:
			return fmt.Errorf("%w: cannot cancel a %s appointment", apperr.ErrInvalidStateTransition, a.Status)
		}

		previous = a.Status
		a.Status = StatusCancelled
		return s.repo.Update(ctx, a)
	})
	if err != nil {
		return nil, RefundOutcome{}, err
	}

	outcome := RefundOutcome{Reason: "no refundable payment"}
	if s.refunder != nil {
		refunded, reason, rerr := s.refunder.MaybeRefund(ctx, a.ID)
		if rerr != nil {
			s.log.Error().Err(rerr).Str("appointment_id", a.ID.String()).Msg("refund evaluation failed")
			outcome = RefundOutcome{Refunded: false, Reason: "refund evaluation failed"}
		} else {
			outcome = RefundOutcome{Refunded: refunded, Reason: reason}
		}
	}

	if s.notifier != nil {
		s.notifier.StatusChanged(ctx, a, previous)
	}
	return a, outcome, nil
}

// Start begins the consultation. Only the appointment's doctor or an
// admin may start, and only from scheduled. Video consultations get a
// meeting room provisioned after the transition commits.
func (s *Service) Start(ctx context.Context, p auth.Principal, id uuid.UUID) (*Appointment, error) {
	var a *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.DoctorID != p.ID && !p.IsAdmin() {
			return apperr.ErrForbidden
		}
		if a.Status != StatusScheduled {
			return fmt.Errorf("%w: cannot start a %s appointment", apperr.ErrInvalidStateTransition, a.Status)
		}

		now := s.now()
		a.Status = StatusInProgress
		a.StartedAt = &now
		return s.repo.Update(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	if a.Kind == KindVideo && s.meetings != nil {
		if err := s.meetings.Create(ctx, a.ID, a.PatientID, a.DoctorID); err != nil {
			s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("meeting creation failed")
		}
	}
	if s.notifier != nil {
		s.notifier.StatusChanged(ctx, a, StatusScheduled)
	}
	return a, nil
}

// Complete records the consultation outcome and closes the appointment.
// The feedback-eligibility placeholder is created inside the same
// transaction and is idempotent, so a repeated complete call can never
// produce a second one.
func (s *Service) Complete(ctx context.Context, p auth.Principal, id uuid.UUID, req CompleteRequest) (*Appointment, error) {
	var a *Appointment
	var previous Status
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.DoctorID != p.ID && !p.IsAdmin() {
			return apperr.ErrForbidden
		}
		if !CanTransition(a.Status, StatusCompleted) {
			return fmt.Errorf("%w: cannot complete a %s appointment", apperr.ErrInvalidStateTransition, a.Status)
		}

		now := s.now()
		previous = a.Status
		a.Status = StatusCompleted
		a.CompletedAt = &now
		a.CompletedTime = &now
		if req.Diagnosis != "" {
			a.Diagnosis = &req.Diagnosis
		}
		if req.Prescription != "" {
			a.Prescription = &req.Prescription
		}
		if req.DoctorNotes != "" {
			a.DoctorNotes = &req.DoctorNotes
		}
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}

		if s.feedback != nil {
			if err := s.feedback.EnsureEligibility(ctx, a.ID, a.PatientID, a.DoctorID); err != nil {
				return fmt.Errorf("record feedback eligibility: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.StatusChanged(ctx, a, previous)
	}
	return a, nil
}

// ConfirmPayment drives the payment-succeeded transition. It is a no-op
// when the appointment has already left pending_payment, which makes
// provider webhook replay safe. The returned bool reports whether the
// status actually changed.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (*Appointment, bool, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if a.Status != StatusPendingPayment {
		return a, false, nil
	}
	a.Status = StatusScheduled
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// FailPayment drives the payment-failed transition, cancelling the
// reservation. Idempotent under webhook replay like ConfirmPayment.
func (s *Service) FailPayment(ctx context.Context, id uuid.UUID) (*Appointment, bool, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if a.Status != StatusPendingPayment {
		return a, false, nil
	}
	a.Status = StatusCancelled
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// Get returns the appointment when the actor is a participant or admin.
func (s *Service) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PatientID != p.ID && a.DoctorID != p.ID && !p.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	return a, nil
}

// ListMine returns the actor's own appointments: the patient's bookings
// for patients, the doctor's calendar for doctors.
func (s *Service) ListMine(ctx context.Context, p auth.Principal, status string, limit, offset int) ([]*Appointment, int, error) {
	if p.IsDoctor() {
		return s.repo.ListByDoctor(ctx, p.ID, status, limit, offset)
	}
	return s.repo.ListByPatient(ctx, p.ID, status, limit, offset)
}
