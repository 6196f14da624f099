package postgres

import (
	"context"

	"github.com/agile-defense/radarsot/pkg/sim"
)

// RunStore is the subset of Pool used by RecordSink
type RunStore interface {
	InsertRun(ctx context.Context, info sim.RunInfo) error
	InsertTrackRecords(ctx context.Context, records []sim.Record) error
	CompleteRun(ctx context.Context, summary sim.Summary) error
}

// RecordSink archives a run as it executes: the run row on Begin, one batch
// of records per step and the summary on End
type RecordSink struct {
	store RunStore
}

// NewRecordSink creates a sink writing to store
func NewRecordSink(store RunStore) *RecordSink {
	return &RecordSink{store: store}
}

// Name implements sim.Named
func (s *RecordSink) Name() string { return "postgres" }

// Begin implements sim.Sink
func (s *RecordSink) Begin(ctx context.Context, run sim.RunInfo) error {
	return s.store.InsertRun(ctx, run)
}

// Emit implements sim.Sink
func (s *RecordSink) Emit(ctx context.Context, _ int, records []sim.Record) error {
	return s.store.InsertTrackRecords(ctx, records)
}

// End implements sim.Sink
func (s *RecordSink) End(ctx context.Context, summary sim.Summary) error {
	return s.store.CompleteRun(ctx, summary)
}
