// Package payment coordinates payment intents for appointments: intent
// creation, provider webhook handling, and refund eligibility. Payment
// state is stored separately from appointment state so replayed or
// out-of-order provider callbacks can be absorbed by re-deriving intent
// from what is currently stored.
package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status of a payment record.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Record maps to the payments table. Amount is in integer minor currency
// units. At most one record per appointment is in a non-terminal state.
type Record struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	IntentID      string    `db:"intent_id" json:"intent_id"`
	Amount        int64     `db:"amount" json:"amount"`
	Currency      string    `db:"currency" json:"currency"`
	Status        Status    `db:"status" json:"status"`
	RefundID      *string   `db:"refund_id" json:"refund_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Provider event types handled by the webhook.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

// Event is the provider webhook payload shape.
type Event struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// AppointmentID extracts the appointment reference carried in the event
// metadata.
func (e Event) AppointmentID() (uuid.UUID, bool) {
	raw, ok := e.Data.Object.Metadata["appointmentId"]
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// IntentResult is returned to the client after intent creation.
type IntentResult struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}
