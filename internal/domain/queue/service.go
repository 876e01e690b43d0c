package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/domain/appointment"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
	"github.com/clinicdesk/clinicdesk/internal/platform/db"
)

// Notifier pushes queue events after the mutation commits. Best effort;
// delivery failures never reach the queue operation's caller.
type Notifier interface {
	QueueUpdated(ctx context.Context, doctorID uuid.UUID, entries []*Entry)
	PositionChanged(ctx context.Context, patientID, appointmentID uuid.UUID, position, waitMinutes int)
	DoctorCalling(ctx context.Context, patientID, appointmentID uuid.UUID)
}

// Completer closes out a consultation. Satisfied by the appointment
// service so completion side effects stay in one place.
type Completer interface {
	Complete(ctx context.Context, p auth.Principal, id uuid.UUID, req appointment.CompleteRequest) (*appointment.Appointment, error)
}

// Service coordinates the same-day queue. Every mutating operation runs
// in a transaction holding the (doctor, day) lock, so concurrent
// check-ins and call-next cannot compute duplicate or gapped positions.
type Service struct {
	tx             db.Transactor
	repo           Repository
	appts          appointment.Repository
	completer      Completer
	notifier       Notifier
	serviceMinutes int
	log            zerolog.Logger
	now            func() time.Time
}

func NewService(tx db.Transactor, repo Repository, appts appointment.Repository,
	completer Completer, notifier Notifier, serviceMinutes int, log zerolog.Logger) *Service {
	return &Service{
		tx:             tx,
		repo:           repo,
		appts:          appts,
		completer:      completer,
		notifier:       notifier,
		serviceMinutes: serviceMinutes,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) today() time.Time {
	now := s.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckIn places a scheduled same-day appointment at the tail of its
// doctor's queue and transitions it to in-progress. Position is the
// count of entries already waiting plus one; estimated wait is position
// times the per-patient service interval.
func (s *Service) CheckIn(ctx context.Context, p auth.Principal, appointmentID uuid.UUID) (*Entry, error) {
	var entry *Entry
	var doctorID uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.appts.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.PatientID != p.ID && !p.IsAdmin() {
			return apperr.ErrForbidden
		}
		if a.Status != appointment.StatusScheduled {
			return fmt.Errorf("%w: cannot check in a %s appointment", apperr.ErrInvalidStateTransition, a.Status)
		}
		today := s.today()
		if !a.Date.Equal(today) {
			return fmt.Errorf("%w: check-in is only available on the appointment day", apperr.ErrValidation)
		}

		if err := s.repo.Lock(ctx, a.DoctorID, today); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}
		waiting, err := s.repo.CountActive(ctx, a.DoctorID, today)
		if err != nil {
			return fmt.Errorf("count queue: %w", err)
		}

		now := s.now()
		position := waiting + 1
		wait := position * s.serviceMinutes

		a.Status = appointment.StatusInProgress
		a.QueuePosition = &position
		a.EstimatedWait = &wait
		a.CheckInTime = &now
		if err := s.appts.Update(ctx, a); err != nil {
			return err
		}

		doctorID = a.DoctorID
		entry = &Entry{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			DoctorID:      a.DoctorID,
			Position:      position,
			EstimatedWait: wait,
			CheckInTime:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, doctorID)
	if s.notifier != nil {
		s.notifier.PositionChanged(ctx, entry.PatientID, entry.AppointmentID, entry.Position, entry.EstimatedWait)
	}
	return entry, nil
}

// Status returns the doctor's current queue ordered by position. Doctors
// see their own queue; admins see any.
func (s *Service) Status(ctx context.Context, p auth.Principal, doctorID uuid.UUID) ([]*Entry, error) {
	if p.ID != doctorID && !p.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	return s.repo.ListActive(ctx, doctorID, s.today())
}

// CallNext pops the head of the doctor's queue into in-consultation and
// compacts the remaining positions. The called patient gets an
// acknowledgement-required alert; everyone behind gets their new
// position and wait.
func (s *Service) CallNext(ctx context.Context, p auth.Principal, doctorID uuid.UUID) (*Entry, error) {
	if p.ID != doctorID && !p.IsAdmin() {
		return nil, apperr.ErrForbidden
	}

	var head *Entry
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		today := s.today()
		if err := s.repo.Lock(ctx, doctorID, today); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}
		entries, err := s.repo.ListActive(ctx, doctorID, today)
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: queue is empty", apperr.ErrNotFound)
		}
		head = entries[0]

		a, err := s.appts.GetByID(ctx, head.AppointmentID)
		if err != nil {
			return err
		}
		now := s.now()
		a.Status = appointment.StatusInConsultation
		a.CalledTime = &now
		a.QueuePosition = nil
		a.EstimatedWait = nil
		if err := s.appts.Update(ctx, a); err != nil {
			return err
		}

		return s.repo.Compact(ctx, doctorID, today, head.Position, s.serviceMinutes)
	})
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.DoctorCalling(ctx, head.PatientID, head.AppointmentID)
	}
	s.broadcast(ctx, doctorID)
	s.notifyPositions(ctx, doctorID)
	return head, nil
}

// Complete closes out the consultation via the appointment lifecycle and
// broadcasts the updated queue. The entry left the in-progress set at
// call-next, so no compaction is needed here.
func (s *Service) Complete(ctx context.Context, p auth.Principal, appointmentID uuid.UUID, req appointment.CompleteRequest) (*appointment.Appointment, error) {
	a, err := s.completer.Complete(ctx, p, appointmentID, req)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, a.DoctorID)
	return a, nil
}

// Remove takes a waiting patient out of the queue without completing
// (patient left). The appointment returns to scheduled and the positions
// behind it compact.
func (s *Service) Remove(ctx context.Context, p auth.Principal, appointmentID uuid.UUID) error {
	var doctorID uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.appts.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a.PatientID != p.ID && a.DoctorID != p.ID && !p.IsAdmin() {
			return apperr.ErrForbidden
		}
		if a.Status != appointment.StatusInProgress || a.QueuePosition == nil {
			return fmt.Errorf("%w: appointment is not in the queue", apperr.ErrInvalidStateTransition)
		}

		today := s.today()
		if err := s.repo.Lock(ctx, a.DoctorID, today); err != nil {
			return fmt.Errorf("lock queue: %w", err)
		}
		removed := *a.QueuePosition

		a.Status = appointment.StatusScheduled
		a.QueuePosition = nil
		a.EstimatedWait = nil
		a.CheckInTime = nil
		if err := s.appts.Update(ctx, a); err != nil {
			return err
		}

		doctorID = a.DoctorID
		return s.repo.Compact(ctx, a.DoctorID, today, removed, s.serviceMinutes)
	})
	if err != nil {
		return err
	}

	s.broadcast(ctx, doctorID)
	s.notifyPositions(ctx, doctorID)
	return nil
}

func (s *Service) broadcast(ctx context.Context, doctorID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	entries, err := s.repo.ListActive(ctx, doctorID, s.today())
	if err != nil {
		s.log.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("queue broadcast read failed")
		return
	}
	s.notifier.QueueUpdated(ctx, doctorID, entries)
}

func (s *Service) notifyPositions(ctx context.Context, doctorID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	entries, err := s.repo.ListActive(ctx, doctorID, s.today())
	if err != nil {
		s.log.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("queue position read failed")
		return
	}
	for _, e := range entries {
		s.notifier.PositionChanged(ctx, e.PatientID, e.AppointmentID, e.Position, e.EstimatedWait)
	}
}
