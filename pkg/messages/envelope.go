// Package messages defines the wire format of simulator output published to
// NATS, MQTT and WebSocket clients
package messages

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope carries the identity, timing and integrity metadata of a message
type Envelope struct {
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"` // run id for simulator output
	CausationID   string `json:"causation_id"`   // request that started the run

	Source     string `json:"source"`      // agent id
	SourceType string `json:"source_type"` // "radar"

	Timestamp time.Time `json:"timestamp"`

	// Signature is the hex HMAC-SHA256 of the message encoded with an empty signature
	Signature     string `json:"signature"`
	PolicyVersion string `json:"policy_version,omitempty"` // admission policy that allowed the run

	// OpenTelemetry
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewEnvelope creates an envelope with a fresh message id
func NewEnvelope(source, sourceType string) Envelope {
	return Envelope{
		MessageID:  uuid.New().String(),
		Source:     source,
		SourceType: sourceType,
		Timestamp:  time.Now().UTC(),
	}
}

// WithCorrelation sets the correlation and causation IDs
func (e Envelope) WithCorrelation(correlationID, causationID string) Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithTracing sets OpenTelemetry trace context
func (e Envelope) WithTracing(traceID, spanID string) Envelope {
	e.TraceID = traceID
	e.SpanID = spanID
	return e
}

// WithPolicy records the admission policy version
func (e Envelope) WithPolicy(version string) Envelope {
	e.PolicyVersion = version
	return e
}

// Sign generates an HMAC signature for the payload
func (e *Envelope) Sign(payload []byte, secret []byte) {
	e.Signature = signature(payload, secret)
}

// VerifySignature checks the HMAC signature against payload
func (e *Envelope) VerifySignature(payload []byte, secret []byte) bool {
	return hmac.Equal([]byte(e.Signature), []byte(signature(payload, secret)))
}

func signature(payload, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Message is implemented by every published message type
type Message interface {
	GetEnvelope() Envelope
	SetEnvelope(Envelope)
	Subject() string
}

// MarshalWithSignature marshals the message and signs it. The signature
// covers the encoding with an empty Signature field.
func MarshalWithSignature(msg Message, secret []byte) ([]byte, error) {
	env := msg.GetEnvelope()
	env.Signature = ""
	msg.SetEnvelope(env)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Subject(), err)
	}

	env.Sign(data, secret)
	msg.SetEnvelope(env)

	return json.Marshal(msg)
}

// Verify checks the signature of a message produced by MarshalWithSignature.
// msg is left with its original signature.
func Verify(msg Message, secret []byte) (bool, error) {
	env := msg.GetEnvelope()
	sig := env.Signature

	unsigned := env
	unsigned.Signature = ""
	msg.SetEnvelope(unsigned)
	data, err := json.Marshal(msg)
	msg.SetEnvelope(env)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s: %w", msg.Subject(), err)
	}

	return hmac.Equal([]byte(sig), []byte(signature(data, secret))), nil
}
