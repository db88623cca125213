// Package speech is the text-to-speech stage.
//
// Reply deltas are cut at sentence boundaries and fed to the TTS provider as
// they complete, so the caller hears the first sentence while the model is
// still writing the rest. Each reply is one SynthesizeStream call whose voice
// follows the language of the reply. Replies are voiced strictly one after
// another.
package speech

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
	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/tts"
)

// StageName is the pipeline name of the stage.
const StageName = "tts"

// Config configures a Stage.
type Config struct {
	Provider tts.Provider

	// Voice is the base voice. Its ID is replaced per language from Voices.
	Voice tts.VoiceProfile

	// Voices maps a language tag ("hi-IN") or base language ("hi") to a voice ID.
	Voices map[string]string

	// DefaultLanguage is used for replies without a language.
	DefaultLanguage string

	// OutSampleRate is the rate of emitted audio.
	OutSampleRate int

	Metrics *pipeline.Reporter
	Logger  *slog.Logger
}

// Stage voices LLM replies.
type Stage struct {
	cfg Config
	log *slog.Logger

	// outTS is the playback offset of the next emitted chunk.
	outTS time.Duration
}

// New returns a Stage.
func New(cfg Config) *Stage {
	if cfg.OutSampleRate <= 0 {
		cfg.OutSampleRate = pipeline.DefaultSampleRate
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Stage{cfg: cfg, log: log}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return StageName }

// VoiceFor returns the voice used for a reply in lang.
func (s *Stage) VoiceFor(lang string) tts.VoiceProfile {
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	v := s.cfg.Voice
	v.Language = lang
	if id, ok := s.cfg.Voices[lang]; ok {
		v.ID = id
	} else if base, _, found := strings.Cut(lang, "-"); found {
		if id, ok := s.cfg.Voices[base]; ok {
			v.ID = id
		}
	}
	return v
}

// reply is the synthesis of one LLM reply.
type reply struct {
	id      uint64
	text    chan string
	pending []string
	closed  bool
	buf     strings.Builder
	audio   <-chan tts.Audio
	conv    *audio.Converter
	span    trace.Span
	start   time.Time
	heard   bool
	chars   int
	failed  bool
}

func (r *reply) queue(sentences ...string) {
	for _, t := range sentences {
		r.chars += len(t)
		r.pending = append(r.pending, t)
	}
}

// run is the state of one Process call.
type run struct {
	s   *Stage
	ctx context.Context
	out chan<- frame.Frame

	cur     *reply
	skip    uint64
	backlog []frame.Frame
	inDone  bool
}

// Process implements pipeline.Stage.
func (s *Stage) Process(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	r := &run{s: s, ctx: ctx, out: out}
	for in != nil || r.cur != nil {
		var (
			textCh  chan<- string
			next    string
			audioCh <-chan tts.Audio
		)
		if c := r.cur; c != nil {
			audioCh = c.audio
			if len(c.pending) > 0 {
				textCh, next = c.text, c.pending[0]
			} else if c.closed && c.text != nil {
				close(c.text)
				c.text = nil
			}
		}

		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				r.inDone = true
				if r.cur != nil {
					r.cur.closed = true
				}
				continue
			}
			r.dispatch(f)
		case textCh <- next:
			r.cur.pending = r.cur.pending[1:]
		case a, ok := <-audioCh:
			if !ok {
				r.finish()
				continue
			}
			r.emit(a)
		}
	}
	for _, f := range r.backlog {
		out <- f
	}
	return nil
}

// dispatch handles f now unless it must trail the playing reply: deltas of
// a later reply and the end-of-stream marker wait until it has finished.
// Turn signals, transcripts and errors pass straight through.
func (r *run) dispatch(f frame.Frame) {
	if c := r.cur; c != nil {
		d, isDelta := f.(frame.LLMTextDelta)
		if (isDelta && (c.closed || d.ReplyID != c.id)) || frame.EndsStream(f) {
			r.backlog = append(r.backlog, f)
			return
		}
	}
	r.handle(f)
}

func (r *run) handle(f frame.Frame) {
	d, ok := f.(frame.LLMTextDelta)
	if !ok {
		r.out <- f
		return
	}
	r.out <- f
	if d.ReplyID == r.skip {
		return
	}
	if r.cur == nil {
		if d.IsFinal && strings.TrimSpace(d.Text) == "" {
			return
		}
		if !r.open(d) {
			return
		}
	}
	c := r.cur
	c.buf.WriteString(d.Text)
	c.queue(splitSentences(&c.buf)...)
	if !d.IsFinal {
		return
	}
	if d.Aborted {
		c.buf.Reset()
	} else if rest := strings.TrimSpace(c.buf.String()); rest != "" {
		c.queue(rest)
		c.buf.Reset()
	}
	c.closed = true
}

// open starts synthesis for the reply d belongs to.
func (r *run) open(d frame.LLMTextDelta) bool {
	s := r.s
	voice := s.VoiceFor(d.Language)
	ctx, span := observe.StartSpan(r.ctx, "tts.synthesize", trace.WithAttributes(
		attribute.Int64("reply.id", int64(d.ReplyID)),
		attribute.String("language", voice.Language),
		attribute.String("voice", voice.ID),
	))
	text := make(chan string)
	ch, err := s.cfg.Provider.SynthesizeStream(ctx, text, voice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		r.skip = d.ReplyID
		s.cfg.Metrics.Error(r.ctx, StageName)
		s.log.Warn("speech: synthesis failed to start", "reply_id", d.ReplyID, "err", err)
		r.out <- frame.Error(StageName, err)
		return false
	}
	s.log.Debug("speech: reply started", "reply_id", d.ReplyID, "language", voice.Language, "voice", voice.ID)
	r.cur = &reply{
		id:    d.ReplyID,
		text:  text,
		audio: ch,
		conv:  &audio.Converter{Target: audio.Format{SampleRate: s.cfg.OutSampleRate, Channels: 1}},
		span:  span,
		start: time.Now(),
	}
	return true
}

func (r *run) emit(a tts.Audio) {
	c := r.cur
	s := r.s
	if a.Err != nil {
		if !c.failed {
			c.failed = true
			c.span.RecordError(a.Err)
			c.span.SetStatus(codes.Error, a.Err.Error())
			s.cfg.Metrics.Error(r.ctx, StageName)
			s.log.Warn("speech: synthesis failed", "reply_id", c.id, "err", a.Err)
			r.out <- frame.Error(StageName, a.Err)
		}
		return
	}
	if c.failed || len(a.PCM) == 0 {
		return
	}
	if !c.heard {
		c.heard = true
		s.cfg.Metrics.TTFB(r.ctx, StageName, time.Since(c.start))
	}
	pcm := c.conv.Convert(a.PCM, audio.Format{SampleRate: a.SampleRate, Channels: 1})
	if len(pcm) == 0 {
		return
	}
	r.out <- frame.AudioChunk{PCM: pcm, SampleRate: s.cfg.OutSampleRate, Timestamp: s.outTS}
	s.outTS += audio.Format{SampleRate: s.cfg.OutSampleRate, Channels: 1}.Duration(pcm)
}

// finish ends the current reply once the provider closed its audio channel,
// then replays frames held back while it played.
func (r *run) finish() {
	c := r.cur
	r.cur = nil
	if c.text != nil && !c.closed {
		// The provider gave up before the reply was complete; ignore the rest.
		r.skip = c.id
	}
	if c.text != nil {
		close(c.text)
	}
	s := r.s
	s.cfg.Metrics.Latency(r.ctx, StageName, time.Since(c.start))
	s.cfg.Metrics.Usage(r.ctx, StageName, pipeline.UnitCharacters, float64(c.chars))
	c.span.SetAttributes(attribute.Int("reply.chars", c.chars))
	c.span.End()

	held := r.backlog
	r.backlog = nil
	for _, f := range held {
		r.dispatch(f)
	}
	if r.inDone && r.cur != nil {
		r.cur.closed = true
	}
}

var _ pipeline.Stage = (*Stage)(nil)
