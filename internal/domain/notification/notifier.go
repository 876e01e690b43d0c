package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinicdesk/internal/domain/appointment"
	"github.com/clinicdesk/clinicdesk/internal/domain/queue"
)

// Notifier adapts the dispatcher to the callbacks the appointment,
// queue, and payment services invoke after their transactions commit.
type Notifier struct{ d *Dispatcher }

func NewNotifier(d *Dispatcher) *Notifier { return &Notifier{d: d} }

func (n *Notifier) AppointmentBooked(ctx context.Context, a *appointment.Appointment) {
	n.email(ctx, a, KindConfirmation,
		"Appointment confirmed",
		fmt.Sprintf("Your appointment on %s at %s is confirmed.",
			a.Date.Format("2006-01-02"), a.StartTime))
}

func (n *Notifier) AppointmentRescheduled(ctx context.Context, a *appointment.Appointment) {
	n.email(ctx, a, KindReschedule,
		"Appointment rescheduled",
		fmt.Sprintf("Your appointment has been moved to %s at %s.",
			a.Date.Format("2006-01-02"), a.StartTime))
	n.d.SendStatusUpdate(ctx, a.PatientID, a.ID, string(a.Status), string(a.Status))
}

func (n *Notifier) StatusChanged(ctx context.Context, a *appointment.Appointment, previous appointment.Status) {
	n.d.SendStatusUpdate(ctx, a.PatientID, a.ID, string(a.Status), string(previous))

	switch a.Status {
	case appointment.StatusCompleted:
		n.email(ctx, a, KindStatusUpdate,
			"Visit complete",
			"Thank you for your visit. Your consultation summary is available in your appointment history.")
	case appointment.StatusCancelled:
		n.email(ctx, a, KindStatusUpdate,
			"Appointment cancelled",
			fmt.Sprintf("Your appointment on %s at %s has been cancelled.",
				a.Date.Format("2006-01-02"), a.StartTime))
	}
}

func (n *Notifier) QueueUpdated(ctx context.Context, doctorID uuid.UUID, entries []*queue.Entry) {
	payload := map[string]any{"queue": entries, "length": len(entries)}
	if err := n.d.push.Push(ctx, doctorRoom(doctorID), EventQueueUpdated, payload); err != nil {
		n.d.log.Warn().Err(err).Stringer("doctor_id", doctorID).Msg("queue broadcast failed")
	}
}

func (n *Notifier) PositionChanged(ctx context.Context, patientID, appointmentID uuid.UUID, position, waitMinutes int) {
	n.d.SendWaitTimeUpdate(ctx, patientID, appointmentID, position, waitMinutes)
}

func (n *Notifier) DoctorCalling(ctx context.Context, patientID, appointmentID uuid.UUID) {
	n.d.SendDoctorCalling(ctx, patientID, appointmentID)
}

func (n *Notifier) email(ctx context.Context, a *appointment.Appointment, kind, subject, body string) {
	to, err := n.d.dir.EmailFor(ctx, a.PatientID)
	if err != nil {
		n.d.log.Warn().Err(err).
			Stringer("patient_id", a.PatientID).
			Str("kind", kind).
			Msg("no contact address for patient")
		return
	}
	id := a.ID
	n.d.Send(ctx, Message{
		To:            to,
		Subject:       subject,
		Body:          body,
		Kind:          kind,
		AppointmentID: &id,
	})
}
