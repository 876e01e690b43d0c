// Package notification persists and delivers transactional messages.
// Delivery is best effort everywhere: a notification failure is logged
// and recorded for retry but never surfaces to the business flow that
// triggered it.
package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kinds classify notifications and key the durable failure store.
const (
	KindConfirmation  = "appointment_confirmation"
	KindReschedule    = "appointment_reschedule"
	KindStatusUpdate  = "status_update"
	KindWaitTime      = "wait_time_update"
	KindDoctorCalling = "doctor_calling"
	KindReminder      = "appointment_reminder"
)

// Push event names on the realtime channel.
const (
	EventQueueUpdated  = "queue-updated"
	EventWaitTime      = "wait-time-update"
	EventStatusUpdate  = "appointment-status"
	EventDoctorCalling = "doctor-calling"
)

// Message is one outbound email-backed notification.
type Message struct {
	To            string          `json:"to"`
	Subject       string          `json:"subject"`
	Body          string          `json:"body"`
	Kind          string          `json:"kind"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Record is a persisted notifications row. A row is written before any
// delivery attempt so the audit trail survives transport failures.
type Record struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	AppointmentID *uuid.UUID      `db:"appointment_id" json:"appointment_id,omitempty"`
	Recipient     string          `db:"recipient" json:"recipient"`
	Subject       string          `db:"subject" json:"subject"`
	Body          string          `db:"body" json:"body"`
	Kind          string          `db:"kind" json:"kind"`
	Data          json.RawMessage `db:"data" json:"data,omitempty"`
	Delivered     bool            `db:"delivered" json:"delivered"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Failure is a durable delivery failure, unique per
// (appointment, error type). Repeat failures bump retry_count and
// last_attempt instead of inserting new rows.
type Failure struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	AppointmentID uuid.UUID       `db:"appointment_id" json:"appointment_id"`
	ErrorType     string          `db:"error_type" json:"error_type"`
	Message       string          `db:"message" json:"message"`
	Context       json.RawMessage `db:"context" json:"context,omitempty"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttempt   time.Time       `db:"last_attempt" json:"last_attempt"`
}

// pushContext is the replayable payload stored in Failure.Context so the
// hourly retry sweep can re-emit the original event.
type pushContext struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Reminder is one upcoming appointment due for a reminder email.
type Reminder struct {
	AppointmentID uuid.UUID `db:"appointment_id"`
	PatientID     uuid.UUID `db:"patient_id"`
	Email         string    `db:"email"`
	PatientName   string    `db:"patient_name"`
	DoctorName    string    `db:"doctor_name"`
	Date          time.Time `db:"appointment_date"`
	StartTime     string    `db:"start_time"`
}
