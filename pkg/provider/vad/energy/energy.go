// Package energy provides a pure-Go VAD engine based on RMS energy with
// hysteresis.
//
// The RMS level of each frame is mapped onto a speech probability with
// p = level / (level + Reference), so a frame at exactly the reference level
// scores 0.5. A segment starts after StartFrames consecutive frames at or above
// the speech threshold and ends on the first frame below the silence
// threshold; trailing-silence timing is left to the turn detector.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/provider/vad"
)

const (
	// DefaultReference is the normalised RMS level that scores 0.5.
	DefaultReference = 0.015

	// DefaultStartFrames is the number of consecutive speech frames required
	// to open a segment.
	DefaultStartFrames = 2
)

// Option configures an Engine.
type Option func(*Engine)

// WithReference sets the normalised RMS level (0–1) that maps to p = 0.5.
func WithReference(ref float64) Option {
	return func(e *Engine) {
		if ref > 0 {
			e.reference = ref
		}
	}
}

// WithStartFrames sets how many consecutive speech frames open a segment.
func WithStartFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.startFrames = n
		}
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	reference   float64
	startFrames int
}

// New returns an Engine with defaults suitable for 8 kHz telephony audio.
func New(opts ...Option) *Engine {
	e := &Engine{reference: DefaultReference, startFrames: DefaultStartFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy vad: speech threshold %v out of range (0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %v must be in [0, %v]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		speechThreshold:  cfg.SpeechThreshold,
		silenceThreshold: cfg.SilenceThreshold,
		reference:        e.reference,
		startFrames:      e.startFrames,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu               sync.Mutex
	speechThreshold  float64
	silenceThreshold float64
	reference        float64
	startFrames      int

	inSpeech    bool
	speechCount int
	closed      bool
}

// Probability maps a 16-bit PCM frame onto a speech probability.
func Probability(frame []byte, reference float64) float64 {
	level := audio.RMS(frame) / 32768
	if level <= 0 {
		return 0
	}
	return level / (level + reference)
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, fmt.Errorf("energy vad: session closed")
	}
	p := Probability(frame, s.reference)

	if s.inSpeech {
		if p < s.silenceThreshold {
			s.inSpeech = false
			s.speechCount = 0
			return vad.Event{Type: vad.SpeechEnd, Probability: p}, nil
		}
		return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
	}

	if p >= s.speechThreshold {
		s.speechCount++
		if s.speechCount >= s.startFrames {
			s.inSpeech = true
			s.speechCount = 0
			return vad.Event{Type: vad.SpeechStart, Probability: p}, nil
		}
	} else {
		s.speechCount = 0
	}
	return vad.Event{Type: vad.Silence, Probability: p}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechCount = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
