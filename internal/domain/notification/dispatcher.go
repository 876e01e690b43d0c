package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
	"github.com/clinicdesk/clinicdesk/internal/platform/db"
	"github.com/clinicdesk/clinicdesk/internal/platform/mail"
)

const (
	// DefaultAckTimeout bounds the wait for a doctor-calling ack.
	DefaultAckTimeout = 10 * time.Second

	// DefaultReminderLookahead is how far ahead the reminder sweep looks
	// when no lookahead is configured.
	DefaultReminderLookahead = 30 * time.Minute

	reminderReadLimit = 20
	reminderBatchSize = 5
	retryAfter        = time.Hour
)

// Dispatcher persists and delivers notifications. Every public method is
// best effort from the caller's point of view: business flows call them
// after their own transaction commits and ignore the outcome.
type Dispatcher struct {
	tx     db.Transactor
	repo   Repository
	dir    Directory
	mailer mail.Mailer
	push   Pusher
	retry  RetryPolicy
	log    zerolog.Logger

	ackTimeout time.Duration
	lookahead  time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// NewDispatcher builds a Dispatcher. lookahead is the reminder sweep
// window; zero or negative falls back to DefaultReminderLookahead.
func NewDispatcher(tx db.Transactor, repo Repository, dir Directory,
	mailer mail.Mailer, push Pusher, lookahead time.Duration, log zerolog.Logger) *Dispatcher {
	if lookahead <= 0 {
		lookahead = DefaultReminderLookahead
	}
	return &Dispatcher{
		tx:         tx,
		repo:       repo,
		dir:        dir,
		mailer:     mailer,
		push:       push,
		retry:      DefaultRetryPolicy,
		log:        log.With().Str("component", "notification").Logger(),
		ackTimeout: DefaultAckTimeout,
		lookahead:  lookahead,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Send persists msg as a notifications row, then attempts email
// delivery. The row is written before the attempt so the audit trail
// survives a transport failure. It reports whether the email went out.
func (d *Dispatcher) Send(ctx context.Context, msg Message) bool {
	rec := &Record{
		AppointmentID: msg.AppointmentID,
		Recipient:     msg.To,
		Subject:       msg.Subject,
		Body:          msg.Body,
		Kind:          msg.Kind,
		Data:          msg.Data,
	}
	if err := d.repo.CreateRecord(ctx, rec); err != nil {
		d.log.Error().Err(err).Str("kind", msg.Kind).Msg("persist notification")
		// Still try to deliver: losing the audit row is no reason to
		// also drop the email.
	}

	if err := d.mailer.Send(ctx, msg.To, msg.Subject, msg.Body); err != nil {
		d.log.Warn().Err(err).Str("to", msg.To).Str("kind", msg.Kind).Msg("email delivery failed")
		return false
	}
	if rec.ID != uuid.Nil {
		if err := d.repo.MarkDelivered(ctx, rec.ID); err != nil {
			d.log.Error().Err(err).Stringer("notification_id", rec.ID).Msg("mark delivered")
		}
	}
	return true
}

// SendWaitTimeUpdate pushes a patient's new queue position, retrying
// per the dispatcher's policy before logging a durable failure.
func (d *Dispatcher) SendWaitTimeUpdate(ctx context.Context, patientID, appointmentID uuid.UUID, position, waitMinutes int) {
	payload := map[string]any{
		"appointment_id":      appointmentID,
		"queue_position":      position,
		"estimated_wait_time": waitMinutes,
	}
	d.pushWithRetry(ctx, appointmentID, KindWaitTime, patientRoom(patientID), EventWaitTime, payload)
}

// SendStatusUpdate pushes an appointment status change to the patient.
func (d *Dispatcher) SendStatusUpdate(ctx context.Context, patientID, appointmentID uuid.UUID, status, previous string) {
	payload := map[string]any{
		"appointment_id":  appointmentID,
		"status":          status,
		"previous_status": previous,
	}
	d.pushWithRetry(ctx, appointmentID, KindStatusUpdate, patientRoom(patientID), EventStatusUpdate, payload)
}

// SendDoctorCalling tells the patient they are being called in. The push
// must be acknowledged within the ack timeout; a timeout is terminal for
// this call (the doctor re-triggers rather than the dispatcher
// retrying), so the failure is recorded immediately.
func (d *Dispatcher) SendDoctorCalling(ctx context.Context, patientID, appointmentID uuid.UUID) {
	payload := map[string]any{"appointment_id": appointmentID}
	err := d.push.PushWithAck(ctx, patientRoom(patientID), EventDoctorCalling, payload, d.ackTimeout)
	if err == nil {
		return
	}
	d.log.Warn().Err(err).
		Stringer("appointment_id", appointmentID).
		Msg("doctor-calling push not acknowledged")
	d.recordFailure(ctx, appointmentID, KindDoctorCalling, err,
		patientRoom(patientID), EventDoctorCalling, payload)
}

func (d *Dispatcher) pushWithRetry(ctx context.Context, appointmentID uuid.UUID, kind, room, event string, payload any) {
	err := d.retry.Do(ctx, d.sleep, func(ctx context.Context) error {
		return d.push.Push(ctx, room, event, payload)
	})
	if err == nil {
		return
	}
	d.log.Warn().Err(err).
		Stringer("appointment_id", appointmentID).
		Str("kind", kind).
		Int("attempts", d.retry.MaxAttempts).
		Msg("push delivery failed")
	d.recordFailure(ctx, appointmentID, kind, err, room, event, payload)
}

func (d *Dispatcher) recordFailure(ctx context.Context, appointmentID uuid.UUID, kind string, cause error, room, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		d.log.Error().Err(err).Str("kind", kind).Msg("marshal failure context")
	}
	pctx, _ := json.Marshal(pushContext{Room: room, Event: event, Payload: raw})
	f := &Failure{
		AppointmentID: appointmentID,
		ErrorType:     kind,
		Message:       cause.Error(),
		Context:       pctx,
	}
	if err := d.repo.RecordFailure(ctx, f); err != nil {
		d.log.Error().Err(err).
			Stringer("appointment_id", appointmentID).
			Str("kind", kind).
			Msg("record notification failure")
	}
}

// SendUpcomingReminders emails patients whose scheduled appointment
// starts within the lookahead window and is not yet notified. The read
// is capped and runs under a statement timeout; delivery happens in
// small batches with a yield between items so a long sweep does not
// starve request-serving work. An appointment is marked notified only
// after a successful send, and one bad item never aborts the sweep.
func (d *Dispatcher) SendUpcomingReminders(ctx context.Context) error {
	var due []*Reminder
	err := d.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		due, err = d.repo.ListUpcoming(ctx, d.now(), d.lookahead, reminderReadLimit)
		return err
	})
	if err != nil {
		return fmt.Errorf("list upcoming appointments: %w", err)
	}

	for i, rem := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && i%reminderBatchSize == 0 {
			if err := d.sleep(ctx, 100*time.Millisecond); err != nil {
				return err
			}
		}

		id := rem.AppointmentID
		body := fmt.Sprintf("Hi %s, your appointment with Dr. %s starts at %s today. Please be ready to check in.",
			rem.PatientName, rem.DoctorName, rem.StartTime)
		delivered := d.Send(ctx, Message{
			To:            rem.Email,
			Subject:       "Upcoming appointment reminder",
			Body:          body,
			Kind:          KindReminder,
			AppointmentID: &id,
		})
		if !delivered {
			d.log.Warn().Stringer("appointment_id", id).Msg("reminder not delivered, will retry next sweep")
			continue
		}
		if err := d.repo.MarkNotified(ctx, id, d.now()); err != nil {
			d.log.Error().Err(err).Stringer("appointment_id", id).Msg("mark notified")
		}
		runtime.Gosched()
	}
	return nil
}

// RetryFailedNotifications replays durable push failures whose last
// attempt is older than an hour and which have attempts left. A
// successful replay clears the failure row; another miss bumps its
// retry count.
func (d *Dispatcher) RetryFailedNotifications(ctx context.Context) error {
	failures, err := d.repo.ListRetryable(ctx, d.retry.MaxAttempts, d.now().Add(-retryAfter))
	if err != nil {
		return fmt.Errorf("list retryable failures: %w", err)
	}

	for _, f := range failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var pctx pushContext
		if err := json.Unmarshal(f.Context, &pctx); err != nil {
			d.log.Error().Err(err).
				Stringer("appointment_id", f.AppointmentID).
				Str("kind", f.ErrorType).
				Msg("unreadable failure context, dropping")
			if err := d.repo.ClearFailure(ctx, f.AppointmentID, f.ErrorType); err != nil {
				d.log.Error().Err(err).Msg("clear failure")
			}
			continue
		}

		var perr error
		if f.ErrorType == KindDoctorCalling {
			perr = d.push.PushWithAck(ctx, pctx.Room, pctx.Event, pctx.Payload, d.ackTimeout)
		} else {
			perr = d.push.Push(ctx, pctx.Room, pctx.Event, pctx.Payload)
		}
		if perr != nil {
			d.recordFailure(ctx, f.AppointmentID, f.ErrorType, perr, pctx.Room, pctx.Event, pctx.Payload)
			continue
		}
		if err := d.repo.ClearFailure(ctx, f.AppointmentID, f.ErrorType); err != nil {
			d.log.Error().Err(err).
				Stringer("appointment_id", f.AppointmentID).
				Msg("clear replayed failure")
		}
	}
	return nil
}

func patientRoom(id uuid.UUID) string { return auth.RolePatient + "-" + id.String() }
func doctorRoom(id uuid.UUID) string  { return auth.RoleDoctor + "-" + id.String() }
