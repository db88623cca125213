// Package dialogue is the LLM stage: for every LLMContext snapshot it streams
// one reply as LLMTextDelta frames.
package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callflow/internal/observe"
	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/internal/resilience"
	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/llm"
)

// StageName is the pipeline name of the stage.
const StageName = "llm"

// ErrEmptyContext is reported for a snapshot with no messages.
var ErrEmptyContext = errors.New("dialogue: empty context")

// Config configures a Stage.
type Config struct {
	Provider llm.Provider

	Temperature float64
	MaxTokens   int

	// MaxContextTokens bounds the history sent per request. Zero derives it
	// from the model's context window.
	MaxContextTokens int

	// Retry bounds attempts to open the stream.
	Retry   resilience.RetryConfig
	Metrics *pipeline.Reporter
	Logger  *slog.Logger
}

// Stage generates replies one at a time. Snapshots that arrive while a reply
// is streaming wait in arrival order until it has ended with a final delta,
// so generations never overlap. The end-of-stream marker waits with them;
// every other frame passes straight through.
type Stage struct {
	cfg     Config
	log     *slog.Logger
	replyID uint64
}

// New returns a Stage.
func New(cfg Config) *Stage {
	if cfg.MaxContextTokens <= 0 {
		caps := cfg.Provider.Capabilities()
		if caps.ContextWindow > 0 {
			cfg.MaxContextTokens = caps.ContextWindow - max(cfg.MaxTokens, caps.MaxOutputTokens)
		}
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = StageName
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Stage{cfg: cfg, log: log}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return StageName }

// Process implements pipeline.Stage. Generation runs in its own goroutine so
// caller-side signals keep flowing while a reply streams.
func (s *Stage) Process(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	var (
		queued []frame.Frame
		busy   chan struct{}
	)
	for in != nil || busy != nil || len(queued) > 0 {
		for busy == nil && len(queued) > 0 {
			f := queued[0]
			queued = queued[1:]
			c, ok := f.(frame.LLMContext)
			if !ok {
				out <- f
				continue
			}
			busy = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				s.generate(ctx, c, out)
			}(busy)
		}
		if in == nil && busy == nil {
			break
		}

		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if _, isCtx := f.(frame.LLMContext); isCtx || (frame.EndsStream(f) && (busy != nil || len(queued) > 0)) {
				queued = append(queued, f)
				continue
			}
			out <- f
		case <-busy:
			busy = nil
		}
	}
	return nil
}

// generate streams one reply. Every reply ends with exactly one final delta;
// a failed or cancelled reply is marked Aborted and a failure is also
// reported as an error ControlSignal.
func (s *Stage) generate(ctx context.Context, c frame.LLMContext, out chan<- frame.Frame) {
	s.replyID++
	id := s.replyID
	final := frame.LLMTextDelta{IsFinal: true, ReplyID: id, Language: c.Language}

	abort := func(err error) {
		if err != nil {
			s.cfg.Metrics.Error(ctx, StageName)
			s.log.Warn("dialogue: generation failed", "reply_id", id, "turn_id", c.TurnID, "err", err)
			out <- frame.Error(StageName, err)
		}
		final.Aborted = true
		out <- final
	}

	if ctx.Err() != nil {
		abort(nil)
		return
	}
	if len(c.Messages) == 0 {
		abort(ErrEmptyContext)
		return
	}

	msgs := s.trim(c.Messages)
	ctx, span := observe.StartSpan(ctx, "llm.generate", trace.WithAttributes(
		attribute.Int("messages", len(msgs)),
		attribute.Int64("reply.id", int64(id)),
	))
	defer span.End()

	start := time.Now()
	req := llm.CompletionRequest{Messages: msgs, Temperature: s.cfg.Temperature, MaxTokens: s.cfg.MaxTokens}
	ch, err := resilience.Retry(ctx, s.cfg.Retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return s.cfg.Provider.StreamCompletion(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			abort(nil)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		abort(err)
		return
	}

	first := true
	var text int
	for {
		var chunk llm.Chunk
		var ok bool
		select {
		case <-ctx.Done():
			go audio.Drain(ch)
			s.log.Debug("dialogue: session cancelled mid-reply", "reply_id", id)
			abort(nil)
			return
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}
		if chunk.Text != "" {
			if first {
				s.cfg.Metrics.TTFB(ctx, StageName, time.Since(start))
				first = false
			}
			text += len(chunk.Text)
			out <- frame.LLMTextDelta{Text: chunk.Text, ReplyID: id, Language: c.Language}
		}
		if chunk.Usage != nil {
			s.cfg.Metrics.Usage(ctx, StageName, pipeline.UnitTokens, float64(chunk.Usage.TotalTokens))
		}
		if chunk.FinishReason == llm.FinishError {
			go audio.Drain(ch)
			err := chunk.Err
			if err == nil {
				err = errors.New("dialogue: stream failed")
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			abort(err)
			return
		}
	}
	if ctx.Err() != nil {
		abort(nil)
		return
	}

	s.cfg.Metrics.Latency(ctx, StageName, time.Since(start))
	span.SetAttributes(attribute.Int("reply.chars", text))
	out <- final
}

// trim drops the oldest exchanges until the history fits MaxContextTokens.
// The system message and the newest message are always kept.
func (s *Stage) trim(msgs []llm.Message) []llm.Message {
	if s.cfg.MaxContextTokens <= 0 {
		return msgs
	}
	count := func(m []llm.Message) int {
		n, err := s.cfg.Provider.CountTokens(m)
		if err != nil {
			return llm.EstimateTokens(m)
		}
		return n
	}
	if count(msgs) <= s.cfg.MaxContextTokens {
		return msgs
	}

	head := 0
	if msgs[0].Role == llm.RoleSystem {
		head = 1
	}
	kept := append([]llm.Message(nil), msgs...)
	dropped := 0
	for len(kept) > head+1 && count(kept) > s.cfg.MaxContextTokens {
		kept = append(kept[:head], kept[head+1:]...)
		dropped++
	}
	s.log.Debug("dialogue: trimmed history", "dropped", dropped, "kept", len(kept))
	return kept
}

var _ pipeline.Stage = (*Stage)(nil)
