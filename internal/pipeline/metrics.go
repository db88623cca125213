package pipeline

import (
	"context"
	"time"
)

// Metrics receives side-channel measurements from the stages. Implementations
// must be safe for concurrent use and must not block.
type Metrics interface {
	RecordStageLatency(ctx context.Context, stage string, d time.Duration)
	RecordTTFB(ctx context.Context, stage string, d time.Duration)
	RecordUsage(ctx context.Context, stage, unit string, amount float64)
	RecordStageError(ctx context.Context, stage string)
	RecordTurn(ctx context.Context)
}

// Usage units.
const (
	UnitAudioSeconds = "audio_seconds"
	UnitTokens       = "tokens"
	UnitCharacters   = "characters"
)

// Reporter forwards measurements to a Metrics sink, gated by the session's
// metric flags. A nil *Reporter discards everything, so stages can call it
// unconditionally.
type Reporter struct {
	m       Metrics
	latency bool
	usage   bool
}

// NewReporter returns a Reporter for params. m may be nil.
func NewReporter(m Metrics, params Params) *Reporter {
	if m == nil {
		return nil
	}
	return &Reporter{m: m, latency: params.EnableMetrics, usage: params.EnableUsageMetrics}
}

// Latency records how long one unit of stage work took.
func (r *Reporter) Latency(ctx context.Context, stage string, d time.Duration) {
	if r != nil && r.latency {
		r.m.RecordStageLatency(ctx, stage, d)
	}
}

// TTFB records the time from request to first streamed output.
func (r *Reporter) TTFB(ctx context.Context, stage string, d time.Duration) {
	if r != nil && r.latency {
		r.m.RecordTTFB(ctx, stage, d)
	}
}

// Usage records consumption of a billable unit.
func (r *Reporter) Usage(ctx context.Context, stage, unit string, amount float64) {
	if r != nil && r.usage && amount > 0 {
		r.m.RecordUsage(ctx, stage, unit, amount)
	}
}

// Error counts a stage failure. Errors are recorded whenever metrics are enabled.
func (r *Reporter) Error(ctx context.Context, stage string) {
	if r != nil && r.latency {
		r.m.RecordStageError(ctx, stage)
	}
}

// Turn counts a completed caller turn.
func (r *Reporter) Turn(ctx context.Context) {
	if r != nil && r.latency {
		r.m.RecordTurn(ctx)
	}
}
