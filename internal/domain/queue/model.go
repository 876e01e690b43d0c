// Package queue manages the same-day virtual waiting line: per-doctor
// check-in ordering, position assignment, wait estimates, and queue
// advancement. Queue entries are a view over appointments whose status
// is in-progress; positions for one doctor's day always form a
// contiguous 1..N sequence.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one appointment currently waiting in a doctor's daily queue.
type Entry struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	Position      int       `json:"position"`
	EstimatedWait int       `json:"estimated_wait_minutes"`
	CheckInTime   time.Time `json:"check_in_time"`
}
