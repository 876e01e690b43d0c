package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// SandboxProvider is an in-process Provider for development and staging
// environments without real provider credentials. It accepts every
// intent and refund and only fabricates identifiers; production
// deployments swap in an adapter over the real provider SDK.
type SandboxProvider struct {
	log zerolog.Logger
}

func NewSandboxProvider(log zerolog.Logger) *SandboxProvider {
	return &SandboxProvider{log: log.With().Str("component", "payment-sandbox").Logger()}
}

func (p *SandboxProvider) CreateIntent(_ context.Context, amount int64, currency string, metadata map[string]string) (string, string, error) {
	id, err := randomID("pi")
	if err != nil {
		return "", "", err
	}
	secret, err := randomID("cs")
	if err != nil {
		return "", "", err
	}
	p.log.Info().
		Str("intent_id", id).
		Int64("amount", amount).
		Str("currency", currency).
		Str("appointment_id", metadata["appointmentId"]).
		Msg("sandbox intent created")
	return id, secret, nil
}

func (p *SandboxProvider) Refund(_ context.Context, intentID string) (string, error) {
	id, err := randomID("re")
	if err != nil {
		return "", err
	}
	p.log.Info().Str("intent_id", intentID).Str("refund_id", id).Msg("sandbox refund issued")
	return id, nil
}

func randomID(prefix string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}
