// Package mqttpub publishes simulator output to an MQTT broker
package mqttpub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/agile-defense/radarsot/pkg/messages"
	"github.com/agile-defense/radarsot/pkg/sim"
)

// Config holds broker connection and topic settings
type Config struct {
	Broker         string        `json:"broker" yaml:"broker"` // e.g. tcp://localhost:1883
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"-" yaml:"password"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	TopicPrefix    string        `json:"topic_prefix" yaml:"topic_prefix"`
	QoS            byte          `json:"qos" yaml:"qos"`
	Retain         bool          `json:"retain" yaml:"retain"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// DefaultConfig returns QoS 0 publishing under "radarsot"
func DefaultConfig() Config {
	return Config{
		TopicPrefix:    "radarsot",
		PublishTimeout: 5 * time.Second,
	}
}

// Client is the subset of mqtt.Client used by Publisher
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher is a sim.Sink writing one topic per target:
//
//	{prefix}/{run}/target/{index}
//	{prefix}/{run}/summary
type Publisher struct {
	client Client
	cfg    Config
	source string
	secret []byte
	logger zerolog.Logger
}

// generateClientID creates a random MQTT client ID
func generateClientID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "radarsot_" + hex.EncodeToString(b)
}

// Connect dials the broker and returns a publisher. Reports are signed when
// secret is non-empty.
func Connect(cfg Config, source string, secret []byte, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "mqtt_publisher").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID == "" {
		cfg.ClientID = generateClientID()
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info().Msg("Reconnecting to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return NewPublisher(client, cfg, source, secret, logger), nil
}

// NewPublisher wraps an existing client
func NewPublisher(client Client, cfg Config, source string, secret []byte, logger zerolog.Logger) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		source: source,
		secret: secret,
		logger: logger,
	}
}

// TargetTopic returns the topic for one target of a run
func (p *Publisher) TargetTopic(runID string, index int) string {
	return fmt.Sprintf("%s/%s/target/%d", p.cfg.TopicPrefix, messages.SubjectToken(runID), index)
}

// SummaryTopic returns the topic of a run summary
func (p *Publisher) SummaryTopic(runID string) string {
	return fmt.Sprintf("%s/%s/summary", p.cfg.TopicPrefix, messages.SubjectToken(runID))
}

// Name implements sim.Named
func (p *Publisher) Name() string { return "mqtt" }

// Begin implements sim.Sink
func (p *Publisher) Begin(context.Context, sim.RunInfo) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	return nil
}

// Emit publishes every record of a step and waits for the broker
func (p *Publisher) Emit(ctx context.Context, _ int, records []sim.Record) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}

	type pending struct {
		topic string
		token mqtt.Token
	}
	tokens := make([]pending, 0, len(records))
	var errs []error

	for _, r := range records {
		topic := p.TargetTopic(r.RunID, r.TargetIndex)
		data, err := p.encode(messages.NewTrackReport(p.source, r))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tokens = append(tokens, pending{topic: topic, token: p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, data)})
	}

	for _, pt := range tokens {
		if err := p.wait(ctx, pt.token); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish %s: %w", pt.topic, err))
		}
	}
	return errors.Join(errs...)
}

// End publishes the run summary
func (p *Publisher) End(ctx context.Context, summary sim.Summary) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	data, err := p.encode(messages.NewRunReport(p.source, summary))
	if err != nil {
		return err
	}
	topic := p.SummaryTopic(summary.RunID)
	if err := p.wait(ctx, p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, data)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Msg("Published run summary")
	return nil
}

func (p *Publisher) encode(msg messages.Message) ([]byte, error) {
	if len(p.secret) > 0 {
		return messages.MarshalWithSignature(msg, p.secret)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func (p *Publisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect gracefully disconnects from the broker
func (p *Publisher) Disconnect() {
	if p != nil && p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info().Msg("Disconnected from MQTT broker")
	}
}
