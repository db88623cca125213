// Package transcribe is the speech-to-text stage.
//
// The stage cuts the inbound audio into turns using the TurnSignal frames
// injected by the turn stage and sends every closed turn to the STT provider
// in exactly one logical call (retried on transient failures). Inbound audio
// stops here: only turn signals, transcripts and control frames travel
// further downstream.
package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callflow/internal/observe"
	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/internal/resilience"
	"github.com/MrWong99/callflow/internal/turn"
	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/stt"
)

// StageName is the pipeline name of the stage.
const StageName = "stt"

// Defaults for Config.
const (
	DefaultPreRoll = 200 * time.Millisecond
	DefaultTimeout = 10 * time.Second
)

// Config configures a Stage.
type Config struct {
	Provider stt.Provider

	// SampleRate of the inbound PCM.
	SampleRate int

	// Language is the hint sent to the provider. Empty means automatic
	// identification.
	Language string

	// DefaultLanguage tags transcripts whose language nobody reported.
	DefaultLanguage string

	// PreRoll is how much audio from just before speech-started is prepended
	// to the turn.
	PreRoll time.Duration

	// Timeout bounds one provider call, retries included.
	Timeout time.Duration

	Retry   resilience.RetryConfig
	Metrics *pipeline.Reporter
	Logger  *slog.Logger
}

// Stage submits closed turns to an STT provider.
type Stage struct {
	cfg    Config
	format audio.Format
	log    *slog.Logger
}

// New returns a Stage. Zero Config fields take defaults.
func New(cfg Config) *Stage {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pipeline.DefaultSampleRate
	}
	if cfg.Language == "" {
		cfg.Language = stt.LanguageAuto
	}
	if cfg.PreRoll < 0 {
		cfg.PreRoll = 0
	} else if cfg.PreRoll == 0 {
		cfg.PreRoll = DefaultPreRoll
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = StageName
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Stage{
		cfg:    cfg,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		log:    log,
	}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return StageName }

// Process implements pipeline.Stage. Turns are transcribed one at a time on a
// worker goroutine so that the stage keeps draining inbound audio while a call
// is in flight; all output is written from this goroutine.
func (s *Stage) Process(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	jobs := make(chan *turn.Turn)
	results := make(chan frame.Frame)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for t := range jobs {
			if f := s.Submit(ctx, t); f != nil {
				results <- f
			}
		}
	}()

	var (
		cur     *turn.Turn
		pending []*turn.Turn
		preroll = newRing(s.format.Bytes(s.cfg.PreRoll))
	)
	for in != nil || len(pending) > 0 {
		var next chan<- *turn.Turn
		var head *turn.Turn
		if len(pending) > 0 {
			next, head = jobs, pending[0]
		}
		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			switch v := f.(type) {
			case frame.AudioChunk:
				if cur != nil {
					_ = cur.Append(v.PCM)
				} else {
					preroll.write(v.PCM)
				}
			case frame.TurnSignal:
				switch v.Event {
				case frame.SpeechStarted:
					cur = turn.New(v.TurnID, v.Timestamp, s.cfg.SampleRate)
					_ = cur.Append(preroll.bytes())
					preroll.reset()
				case frame.SpeechEnded:
					if cur != nil && cur.ID == v.TurnID {
						cur.Close(v.Timestamp, v.Synthetic)
						pending = append(pending, cur)
						cur = nil
					}
				}
				out <- f
			default:
				out <- f
			}
		case next <- head:
			pending = pending[1:]
		case f := <-results:
			out <- f
		}
	}

	close(jobs)
	for {
		select {
		case f := <-results:
			out <- f
		case <-workerDone:
			return nil
		}
	}
}

// Submit performs the single transcription of a closed turn and returns the
// frame to emit: a final TranscriptText, an error ControlSignal, or nil when
// there is nothing to say (empty audio, empty transcript, or ctx cancelled).
//
// Once ctx is cancelled no new call is started. A call already in flight runs
// to completion or Timeout and its result is discarded.
func (s *Stage) Submit(ctx context.Context, t *turn.Turn) frame.Frame {
	if ctx.Err() != nil {
		s.log.Debug("transcribe: session cancelled, dropping turn", "turn_id", t.ID)
		return nil
	}
	pcm, err := t.Consume()
	if err != nil {
		return frame.Error(StageName, err)
	}
	if len(pcm) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	retryCtx, cancelRetry := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancelRetry()

	callCtx, span := observe.StartSpan(callCtx, "stt.transcribe", trace.WithAttributes(
		attribute.Int64("turn.id", int64(t.ID)),
		attribute.Float64("audio.seconds", s.format.Duration(pcm).Seconds()),
	))
	defer span.End()

	start := time.Now()
	res, err := resilience.Retry(retryCtx, s.cfg.Retry, func(context.Context) (stt.Transcript, error) {
		if err := ctx.Err(); err != nil {
			return stt.Transcript{}, err
		}
		return s.cfg.Provider.Transcribe(callCtx, stt.Request{
			Audio:      pcm,
			SampleRate: s.cfg.SampleRate,
			Language:   s.cfg.Language,
		})
	})
	s.cfg.Metrics.Latency(ctx, StageName, time.Since(start))

	if ctx.Err() != nil {
		s.log.Debug("transcribe: session cancelled during call, discarding result", "turn_id", t.ID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.cfg.Metrics.Error(ctx, StageName)
		s.log.Warn("transcribe: turn dropped", "turn_id", t.ID, "err", err)
		return frame.Error(StageName, err)
	}
	s.cfg.Metrics.Usage(ctx, StageName, pipeline.UnitAudioSeconds, s.format.Duration(pcm).Seconds())

	text := strings.TrimSpace(res.Text)
	if text == "" {
		s.log.Debug("transcribe: empty transcript", "turn_id", t.ID)
		return nil
	}
	lang := s.language(res.Language)
	span.SetAttributes(attribute.String("language", lang))
	s.log.Info("transcribe: user said", "turn_id", t.ID, "language", lang, "text", text)
	return frame.TranscriptText{Text: text, Language: lang, IsFinal: true, TurnID: t.ID}
}

func (s *Stage) language(detected string) string {
	switch {
	case detected != "" && detected != stt.LanguageAuto:
		return detected
	case s.cfg.Language != stt.LanguageAuto:
		return s.cfg.Language
	default:
		return s.cfg.DefaultLanguage
	}
}

var _ pipeline.Stage = (*Stage)(nil)
