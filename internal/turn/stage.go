package turn

import (
	"context"
	"log/slog"

	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/pkg/frame"
)

// StageName is the pipeline name of the turn stage.
const StageName = "turn"

// Stage runs a Detector on the inbound audio stream and injects TurnSignal
// frames in order: speech-started precedes the chunk that opened the turn and
// speech-ended follows the chunk that closed it.
type Stage struct {
	detector *Detector
	metrics  *pipeline.Reporter
	log      *slog.Logger
}

// NewStage wraps d. metrics may be nil.
func NewStage(d *Detector, metrics *pipeline.Reporter, log *slog.Logger) *Stage {
	if log == nil {
		log = slog.Default()
	}
	return &Stage{detector: d, metrics: metrics, log: log}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return StageName }

// Process implements pipeline.Stage. An open turn is flushed before an end or
// cancel signal is forwarded and when the input closes.
func (s *Stage) Process(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	var last frame.AudioChunk
	for f := range in {
		switch v := f.(type) {
		case frame.AudioChunk:
			ev, ok, err := s.detector.Observe(v)
			if err != nil {
				s.log.Warn("turn: dropping audio chunk", "err", err)
				s.metrics.Error(ctx, StageName)
				out <- frame.Error(StageName, err)
				continue
			}
			last = v
			if ok && ev.Type == frame.SpeechStarted {
				s.log.Debug("turn: speech started", "turn_id", ev.TurnID, "ts", ev.Timestamp)
				out <- ev.Signal()
			}
			out <- v
			if ok && ev.Type == frame.SpeechEnded {
				s.ended(ctx, ev)
				out <- ev.Signal()
			}
		case frame.ControlSignal:
			if v.Signal == frame.ControlEnd || v.Signal == frame.ControlCancel {
				s.flush(ctx, last, out)
			}
			out <- v
		default:
			out <- f
		}
	}
	s.flush(ctx, last, out)
	return nil
}

func (s *Stage) flush(ctx context.Context, last frame.AudioChunk, out chan<- frame.Frame) {
	ts := last.Timestamp + s.detector.format.Duration(last.PCM)
	if ev, ok := s.detector.Flush(ts); ok {
		s.ended(ctx, ev)
		out <- ev.Signal()
	}
}

func (s *Stage) ended(ctx context.Context, ev Event) {
	s.log.Debug("turn: speech ended", "turn_id", ev.TurnID, "ts", ev.Timestamp, "synthetic", ev.Synthetic)
	s.metrics.Turn(ctx)
}

var _ pipeline.Stage = (*Stage)(nil)
