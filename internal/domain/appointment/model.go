package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusScheduled      Status = "scheduled"
	StatusInProgress     Status = "in-progress"
	StatusInConsultation Status = "in-consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// transitions lists the legal next states per current state. Completed and
// cancelled are terminal. in-progress back to scheduled covers a patient
// leaving the waiting queue without being seen.
var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusScheduled, StatusCancelled},
	StatusScheduled:      {StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress:     {StatusScheduled, StatusInConsultation, StatusCompleted},
	StatusInConsultation: {StatusCompleted},
	StatusCompleted:      nil,
	StatusCancelled:      nil,
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Consultation kinds.
const (
	KindVideo = "video"
	KindVoice = "voice"
	KindChat  = "chat"
)

// Appointment maps to the appointments table. Date carries the calendar
// day; StartTime and EndTime are wall-clock "HH:MM" strings, which makes
// the half-open overlap test a plain string comparison.
type Appointment struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Date      time.Time `db:"appointment_date" json:"appointment_date"`
	StartTime string    `db:"start_time" json:"start_time"`
	EndTime   string    `db:"end_time" json:"end_time"`
	Kind      string    `db:"consultation_type" json:"consultation_type"`
	Notes     *string   `db:"notes" json:"notes,omitempty"`
	Status    Status    `db:"status" json:"status"`

	// Populated only on completion.
	Diagnosis    *string `db:"diagnosis" json:"diagnosis,omitempty"`
	Prescription *string `db:"prescription" json:"prescription,omitempty"`
	DoctorNotes  *string `db:"doctor_notes" json:"doctor_notes,omitempty"`

	// Queue fields, populated while the appointment is in the same-day
	// waiting queue.
	QueuePosition *int       `db:"queue_position" json:"queue_position,omitempty"`
	EstimatedWait *int       `db:"estimated_wait_time" json:"estimated_wait_time,omitempty"`
	CheckInTime   *time.Time `db:"check_in_time" json:"check_in_time,omitempty"`
	CalledTime    *time.Time `db:"called_time" json:"called_time,omitempty"`
	CompletedTime *time.Time `db:"completed_time" json:"completed_time,omitempty"`

	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	NotificationSent   bool       `db:"notification_sent" json:"notification_sent"`
	NotificationSentAt *time.Time `db:"notification_sent_at" json:"notification_sent_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StartsAt combines the calendar date and start time into a single instant
// for policy-window arithmetic.
func (a *Appointment) StartsAt() time.Time {
	hh, mm := parseClock(a.StartTime)
	return time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(), hh, mm, 0, 0, time.UTC)
}

func parseClock(s string) (int, int) {
	if len(s) < 5 {
		return 0, 0
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	return hh, mm
}

// Availability is a doctor's declared weekly window for one day of week.
type Availability struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	DoctorID    uuid.UUID    `db:"doctor_id" json:"doctor_id"`
	DayOfWeek   time.Weekday `db:"day_of_week" json:"day_of_week"`
	StartTime   string       `db:"start_time" json:"start_time"`
	EndTime     string       `db:"end_time" json:"end_time"`
	IsAvailable bool         `db:"is_available" json:"is_available"`
}

// BookRequest is the canonical booking shape: one {date, start, end}
// triple, never alternate historical encodings.
type BookRequest struct {
	DoctorID uuid.UUID `json:"doctor_id" validate:"required"`
	Date     string    `json:"date" validate:"required,datetime=2006-01-02"`
	Start    string    `json:"start" validate:"required,datetime=15:04"`
	End      string    `json:"end" validate:"required,datetime=15:04"`
	Kind     string    `json:"kind" validate:"required,oneof=video voice chat"`
	Notes    string    `json:"notes" validate:"omitempty,max=2000"`
}

// RescheduleRequest moves an appointment to a new slot.
type RescheduleRequest struct {
	Date  string `json:"date" validate:"required,datetime=2006-01-02"`
	Start string `json:"start" validate:"required,datetime=15:04"`
	End   string `json:"end" validate:"required,datetime=15:04"`
}

// CompleteRequest carries the consultation outcome.
type CompleteRequest struct {
	Diagnosis    string `json:"diagnosis" validate:"omitempty,max=5000"`
	Prescription string `json:"prescription" validate:"omitempty,max=5000"`
	DoctorNotes  string `json:"doctor_notes" validate:"omitempty,max=5000"`
}
