package natsutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/agile-defense/radarsot/pkg/messages"
)

// AuditFunc receives every checked run summary
type AuditFunc func(report *messages.RunReport, valid bool)

// Auditor consumes completed run summaries and verifies their signatures
type Auditor struct {
	secret  []byte
	logger  zerolog.Logger
	onAudit AuditFunc
}

// NewAuditor creates an auditor. onAudit may be nil.
func NewAuditor(secret []byte, logger zerolog.Logger, onAudit AuditFunc) *Auditor {
	return &Auditor{
		secret:  secret,
		logger:  logger.With().Str("component", "run_auditor").Logger(),
		onAudit: onAudit,
	}
}

// Check decodes a run summary and verifies its signature
func (a *Auditor) Check(data []byte) (*messages.RunReport, bool, error) {
	var rep messages.RunReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, false, fmt.Errorf("failed to decode run report: %w", err)
	}
	valid, err := messages.Verify(&rep, a.secret)
	if err != nil {
		return &rep, false, err
	}
	return &rep, valid, nil
}

// Start consumes from the run-auditor consumer until ctx is done
func (a *Auditor) Start(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := SetupConsumer(ctx, js, RadarStream, "run-auditor")
	if err != nil {
		return fmt.Errorf("failed to set up auditor consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		rep, valid, err := a.Check(msg.Data())
		if err != nil {
			a.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("Undecodable run report")
			_ = msg.Term()
			return
		}

		if valid {
			a.logger.Info().
				Str("run_id", rep.RunID).
				Int("detections", rep.Detections).
				Int("misses", rep.Misses).
				Msg("Run summary verified")
		} else {
			a.logger.Warn().Str("run_id", rep.RunID).Msg("Run summary signature mismatch")
		}
		if a.onAudit != nil {
			a.onAudit(rep, valid)
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start auditor: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	a.logger.Info().Msg("Run auditor started")
	return nil
}
