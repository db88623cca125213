package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/vad"
)

// Defaults for Config.
const (
	DefaultStopSilence = 200 * time.Millisecond
	DefaultMaxPause    = time.Second
	DefaultMaxTurn     = 30 * time.Second
)

// ErrOutOfOrder is returned by Observe for a chunk whose timestamp is before
// the previous chunk's.
var ErrOutOfOrder = errors.New("turn: audio chunk out of order")

// Config tunes a Detector.
type Config struct {
	// SampleRate of the observed PCM.
	SampleRate int

	// StopSilence is the trailing silence after which the classifier is asked
	// whether the turn is over.
	StopSilence time.Duration

	// MaxPause ends the turn regardless of the classifier.
	MaxPause time.Duration

	// MaxTurn force-closes turns that run longer than this.
	MaxTurn time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.StopSilence <= 0 {
		c.StopSilence = DefaultStopSilence
	}
	if c.MaxPause < c.StopSilence {
		c.MaxPause = max(DefaultMaxPause, c.StopSilence)
	}
	if c.MaxTurn <= 0 {
		c.MaxTurn = DefaultMaxTurn
	}
	return c
}

// Event is a turn boundary.
type Event struct {
	Type      frame.TurnEvent
	TurnID    uint64
	Timestamp time.Duration

	// Synthetic is set on speech-ended events produced by Flush.
	Synthetic bool
}

// Signal converts e to its frame.
func (e Event) Signal() frame.TurnSignal {
	return frame.TurnSignal{Event: e.Type, TurnID: e.TurnID, Timestamp: e.Timestamp, Synthetic: e.Synthetic}
}

// Detector turns a stream of audio chunks into speech-started and
// speech-ended events. It is not safe for concurrent use; one Detector serves
// one inbound stream.
type Detector struct {
	vad        vad.SessionHandle
	classifier Classifier
	cfg        Config
	format     audio.Format

	started bool
	last    time.Duration

	inTurn    bool
	turnID    uint64
	turnStart time.Duration
	silence   time.Duration
}

// NewDetector returns a Detector reading decisions from v. classifier may be
// nil, in which case every pause of StopSilence ends the turn.
func NewDetector(v vad.SessionHandle, classifier Classifier, cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		vad:        v,
		classifier: classifier,
		cfg:        cfg,
		format:     audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
	}
}

// InTurn reports whether a turn is open.
func (d *Detector) InTurn() bool { return d.inTurn }

// Observe feeds one chunk and returns the boundary it causes, if any. Chunks
// must arrive in non-decreasing timestamp order.
func (d *Detector) Observe(c frame.AudioChunk) (Event, bool, error) {
	if d.started && c.Timestamp < d.last {
		return Event{}, false, fmt.Errorf("%w: %v after %v", ErrOutOfOrder, c.Timestamp, d.last)
	}
	d.started = true
	d.last = c.Timestamp

	ev, err := d.vad.ProcessFrame(c.PCM)
	if err != nil {
		return Event{}, false, fmt.Errorf("turn: vad: %w", err)
	}
	speech := ev.Type.IsSpeech()
	dur := d.format.Duration(c.PCM)
	end := c.Timestamp + dur

	if !d.inTurn {
		if !speech {
			return Event{}, false, nil
		}
		d.inTurn = true
		d.turnID++
		d.turnStart = c.Timestamp
		d.silence = 0
		if d.classifier != nil {
			d.classifier.Reset()
			d.classifier.Append(c.PCM, true)
		}
		return Event{Type: frame.SpeechStarted, TurnID: d.turnID, Timestamp: c.Timestamp}, true, nil
	}

	if d.classifier != nil {
		d.classifier.Append(c.PCM, speech)
	}
	if speech {
		d.silence = 0
	} else {
		d.silence += dur
	}

	if end-d.turnStart >= d.cfg.MaxTurn {
		return d.end(end, false), true, nil
	}
	if d.silence < d.cfg.StopSilence {
		return Event{}, false, nil
	}
	if d.silence >= d.cfg.MaxPause || d.classifier == nil || d.classifier.Predict(d.silence).Complete {
		return d.end(end, false), true, nil
	}
	return Event{}, false, nil
}

// Flush closes an open turn at ts with a synthetic speech-ended event. It
// reports false when no turn was open.
func (d *Detector) Flush(ts time.Duration) (Event, bool) {
	if !d.inTurn {
		return Event{}, false
	}
	if ts < d.last {
		ts = d.last
	}
	return d.end(ts, true), true
}

func (d *Detector) end(ts time.Duration, synthetic bool) Event {
	d.inTurn = false
	d.silence = 0
	d.vad.Reset()
	if d.classifier != nil {
		d.classifier.Reset()
	}
	return Event{Type: frame.SpeechEnded, TurnID: d.turnID, Timestamp: ts, Synthetic: synthetic}
}
