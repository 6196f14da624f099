package natsutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/agile-defense/radarsot/pkg/messages"
	"github.com/agile-defense/radarsot/pkg/sim"
)

// StreamPublisher is the subset of jetstream.JetStream used by Publisher
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher is a sim.Sink that publishes signed track reports and the run
// summary to JetStream
type Publisher struct {
	js     StreamPublisher
	source string
	secret []byte
	logger zerolog.Logger

	causationID   string
	policyVersion string
}

// NewPublisher creates a JetStream sink. source is the agent id placed in
// every envelope.
func NewPublisher(js StreamPublisher, source string, secret []byte, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:     js,
		source: source,
		secret: secret,
		logger: logger.With().Str("component", "nats_publisher").Logger(),
	}
}

// WithCausation returns a copy whose envelopes name causationID as their cause
func (p *Publisher) WithCausation(causationID string) *Publisher {
	cp := *p
	cp.causationID = causationID
	return &cp
}

// WithPolicy returns a copy whose envelopes record the admission policy
// version that allowed the run
func (p *Publisher) WithPolicy(version string) *Publisher {
	cp := *p
	cp.policyVersion = version
	return &cp
}

// Name implements sim.Named
func (p *Publisher) Name() string { return "nats" }

// Begin implements sim.Sink
func (p *Publisher) Begin(context.Context, sim.RunInfo) error { return nil }

// Emit publishes one report per record. The message id is derived from the
// run, step and target so republishing a run is deduplicated by the stream.
func (p *Publisher) Emit(ctx context.Context, step int, records []sim.Record) error {
	var errs []error
	for _, r := range records {
		rep := messages.NewTrackReport(p.source, r)
		rep.Envelope = p.envelope(ctx, rep.Envelope)
		msgID := fmt.Sprintf("%s.%d.%d", r.RunID, step, r.TargetIndex)
		if err := p.publish(ctx, rep, msgID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// End publishes the run summary
func (p *Publisher) End(ctx context.Context, summary sim.Summary) error {
	rep := messages.NewRunReport(p.source, summary)
	rep.Envelope = p.envelope(ctx, rep.Envelope)
	return p.publish(ctx, rep, summary.RunID+".completed")
}

func (p *Publisher) envelope(ctx context.Context, env messages.Envelope) messages.Envelope {
	env = env.WithCorrelation(env.CorrelationID, p.causationID).WithPolicy(p.policyVersion)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		env = env.WithTracing(sc.TraceID().String(), sc.SpanID().String())
	}
	return env
}

func (p *Publisher) publish(ctx context.Context, msg messages.Message, msgID string) error {
	data, err := messages.MarshalWithSignature(msg, p.secret)
	if err != nil {
		return err
	}

	subject := msg.Subject()
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	if ack != nil {
		p.logger.Debug().
			Str("subject", subject).
			Str("stream", ack.Stream).
			Uint64("seq", ack.Sequence).
			Bool("duplicate", ack.Duplicate).
			Msg("Published message")
	}
	return nil
}
