package sim

import (
	"context"
	"fmt"
	"io"
	"strconv"
)

// Sink receives the output of a run as it is produced. Errors returned by a
// sink are logged and counted by the Simulator but never stop the run.
type Sink interface {
	Begin(ctx context.Context, run RunInfo) error
	Emit(ctx context.Context, step int, records []Record) error
	End(ctx context.Context, summary Summary) error
}

// Named is implemented by sinks that want a stable label in metrics and logs
type Named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// TextSink writes the console report:
//
//	=== TIME STEP 0 ===
//	Target 0 DETECTED | Pos=(15250, 0)
//	Target 1 NOT DETECTED
type TextSink struct {
	w io.Writer
}

// NewTextSink creates a text sink writing to w
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// Name implements Named
func (s *TextSink) Name() string { return "text" }

// Begin implements Sink
func (s *TextSink) Begin(context.Context, RunInfo) error { return nil }

// Emit implements Sink
func (s *TextSink) Emit(_ context.Context, step int, records []Record) error {
	if _, err := fmt.Fprintf(s.w, "\n=== TIME STEP %d ===\n", step); err != nil {
		return fmt.Errorf("failed to write step header: %w", err)
	}
	for _, r := range records {
		var err error
		if r.Detected && r.EstimatedX != nil && r.EstimatedY != nil {
			_, err = fmt.Fprintf(s.w, "Target %d DETECTED | Pos=(%s, %s)\n",
				r.TargetIndex, formatCoord(*r.EstimatedX), formatCoord(*r.EstimatedY))
		} else {
			_, err = fmt.Fprintf(s.w, "Target %d NOT DETECTED\n", r.TargetIndex)
		}
		if err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}

// End implements Sink
func (s *TextSink) End(context.Context, Summary) error { return nil }

// formatCoord prints a coordinate with up to six significant digits, the
// default stream formatting of the console report
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// SinkFunc adapts a per-step callback to a Sink
type SinkFunc func(ctx context.Context, step int, records []Record) error

// Begin implements Sink
func (f SinkFunc) Begin(context.Context, RunInfo) error { return nil }

// Emit implements Sink
func (f SinkFunc) Emit(ctx context.Context, step int, records []Record) error {
	return f(ctx, step, records)
}

// End implements Sink
func (f SinkFunc) End(context.Context, Summary) error { return nil }
