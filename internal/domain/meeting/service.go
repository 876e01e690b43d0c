// Package meeting issues video-consultation rooms and access tokens.
// Rooms live in the key-value store with a bounded TTL, so an expired
// meeting disappears without a cleanup job.
package meeting

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
	"github.com/clinicdesk/clinicdesk/internal/platform/kvstore"
)

// DefaultTTL is how long a meeting room stays joinable.
const DefaultTTL = 2 * time.Hour

// Meeting is one appointment's video room with per-party join tokens.
type Meeting struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	RoomID        string    `json:"room_id"`
	PatientToken  string    `json:"patient_token"`
	DoctorToken   string    `json:"doctor_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Service struct {
	store kvstore.Store
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time
	rand  io.Reader
}

func NewService(store kvstore.Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		ttl:   DefaultTTL,
		log:   log.With().Str("component", "meeting").Logger(),
		now:   time.Now,
		rand:  rand.Reader,
	}
}

func meetingKey(appointmentID uuid.UUID) string {
	return "meeting:" + appointmentID.String()
}

// Create issues a room for the appointment. It is idempotent: a second
// call while the room is live returns the existing meeting unchanged.
func (s *Service) Create(ctx context.Context, appointmentID, patientID, doctorID uuid.UUID) (*Meeting, error) {
	if existing, err := s.Get(ctx, appointmentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	roomID, err := s.randomHex(8)
	if err != nil {
		return nil, err
	}
	patientToken, err := s.randomToken()
	if err != nil {
		return nil, err
	}
	doctorToken, err := s.randomToken()
	if err != nil {
		return nil, err
	}

	m := &Meeting{
		AppointmentID: appointmentID,
		PatientID:     patientID,
		DoctorID:      doctorID,
		RoomID:        "room_" + roomID,
		PatientToken:  patientToken,
		DoctorToken:   doctorToken,
		ExpiresAt:     s.now().Add(s.ttl).UTC(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, meetingKey(appointmentID), raw, s.ttl); err != nil {
		return nil, fmt.Errorf("store meeting: %w", err)
	}

	s.log.Info().
		Stringer("appointment_id", appointmentID).
		Str("room_id", m.RoomID).
		Time("expires_at", m.ExpiresAt).
		Msg("meeting room created")
	return m, nil
}

// Get returns the live meeting for an appointment, or ErrNotFound once
// the room has expired.
func (s *Service) Get(ctx context.Context, appointmentID uuid.UUID) (*Meeting, error) {
	raw, err := s.store.Get(ctx, meetingKey(appointmentID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Meeting
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode meeting: %w", err)
	}
	return &m, nil
}

// Join returns the meeting with only the caller's token populated.
// Participants see their own token, admins the full record.
func (s *Service) Join(ctx context.Context, p auth.Principal, appointmentID uuid.UUID) (*Meeting, error) {
	m, err := s.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	switch {
	case p.IsAdmin():
		return m, nil
	case p.ID == m.PatientID:
		m.DoctorToken = ""
		return m, nil
	case p.ID == m.DoctorID:
		m.PatientToken = ""
		return m, nil
	default:
		return nil, apperr.ErrForbidden
	}
}

func (s *Service) randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Creator adapts the service to the callback the appointment state
// machine fires when a video consultation starts.
type Creator struct{ svc *Service }

func NewCreator(svc *Service) Creator { return Creator{svc: svc} }

func (c Creator) Create(ctx context.Context, appointmentID, patientID, doctorID uuid.UUID) error {
	_, err := c.svc.Create(ctx, appointmentID, patientID, doctorID)
	return err
}
