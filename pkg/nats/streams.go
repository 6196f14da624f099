// Package natsutil provides NATS JetStream configuration and the JetStream
// record sink
package natsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RadarStream holds every simulator subject
const RadarStream = "RADAR"

// StreamConfigs defines the streams used by the radar agent
var StreamConfigs = map[string]jetstream.StreamConfig{
	RadarStream: {
		Name:              RadarStream,
		Description:       "Per-step track reports and run summaries",
		Subjects:          []string{"radar.>"},
		Retention:         jetstream.LimitsPolicy,
		MaxBytes:          1 * 1024 * 1024 * 1024, // 1GB
		MaxAge:            24 * time.Hour,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Discard:           jetstream.DiscardOld,
		MaxMsgsPerSubject: 100000,
		Duplicates:        2 * time.Minute,
	},
}

// ConsumerConfigs defines the durable consumers of the radar stream
var ConsumerConfigs = map[string]jetstream.ConsumerConfig{
	"run-auditor": {
		Durable:       "run-auditor",
		Description:   "Verifies signatures of completed run summaries",
		FilterSubject: "radar.*.run.completed",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 100,
	},
}

// SetupStreams creates all required streams
func SetupStreams(ctx context.Context, js jetstream.JetStream) error {
	for name, cfg := range StreamConfigs {
		_, err := js.Stream(ctx, name)
		if err == nil {
			continue // Stream exists
		}

		if _, err := js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
	}
	return nil
}

// SetupConsumer creates a consumer on a stream, using the predefined config
// for known names
func SetupConsumer(ctx context.Context, js jetstream.JetStream, streamName, consumerName string) (jetstream.Consumer, error) {
	cfg, ok := ConsumerConfigs[consumerName]
	if !ok {
		cfg = jetstream.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    3,
			MaxAckPending: 100,
		}
	}

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("stream %s not found: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, cfg.Durable)
	if err == nil {
		return consumer, nil
	}

	return stream.CreateConsumer(ctx, cfg)
}
