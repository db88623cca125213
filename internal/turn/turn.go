// Package turn segments inbound caller audio into turns.
//
// A [Detector] runs a VAD session over each audio chunk and decides where a
// turn starts and ends. End of turn needs two confirmations: a trailing
// silence of at least Config.StopSilence, and a [Classifier] verdict that the
// utterance is complete. A classifier that keeps saying "not yet" is
// overruled once the pause reaches Config.MaxPause, and any turn longer than
// Config.MaxTurn is closed regardless of speech.
//
// [Stage] wraps a Detector as a pipeline stage that injects
// [frame.TurnSignal] values into the ordered audio stream. The audio itself
// is accumulated into a [Turn] by the transcription stage.
package turn

import (
	"errors"
	"time"
)

var (
	// ErrTurnClosed is returned by Append after the turn was closed.
	ErrTurnClosed = errors.New("turn: closed")

	// ErrTurnOpen is returned by Consume while the turn is still open.
	ErrTurnOpen = errors.New("turn: still open")

	// ErrConsumed is returned by Consume after the audio was already taken.
	ErrConsumed = errors.New("turn: already consumed")
)

// Turn is one bounded span of caller speech. It is created on speech-started,
// closed on speech-ended and consumed exactly once.
//
// A Turn is not safe for concurrent use; it is handed from one goroutine to
// the next.
type Turn struct {
	ID    uint64
	Start time.Duration

	// End is nil while the turn is open.
	End *time.Duration

	// Synthetic is set when the turn was closed by a flush rather than by the
	// caller going quiet.
	Synthetic bool

	sampleRate int
	audio      []byte
	consumed   bool
}

// New opens a turn starting at start.
func New(id uint64, start time.Duration, sampleRate int) *Turn {
	return &Turn{ID: id, Start: start, sampleRate: sampleRate}
}

// SampleRate is the rate of the accumulated PCM.
func (t *Turn) SampleRate() int { return t.sampleRate }

// Closed reports whether the turn has an end timestamp.
func (t *Turn) Closed() bool { return t.End != nil }

// Len returns the number of buffered audio bytes.
func (t *Turn) Len() int { return len(t.audio) }

// Append adds pcm to the turn buffer. The bytes are copied.
func (t *Turn) Append(pcm []byte) error {
	if t.End != nil {
		return ErrTurnClosed
	}
	t.audio = append(t.audio, pcm...)
	return nil
}

// Close sets the end timestamp. Closing twice keeps the first end.
func (t *Turn) Close(end time.Duration, synthetic bool) {
	if t.End != nil {
		return
	}
	t.End = &end
	t.Synthetic = synthetic
}

// Consume hands out the buffered audio and releases it. It succeeds once,
// and only after Close.
func (t *Turn) Consume() ([]byte, error) {
	switch {
	case t.End == nil:
		return nil, ErrTurnOpen
	case t.consumed:
		return nil, ErrConsumed
	}
	t.consumed = true
	pcm := t.audio
	t.audio = nil
	return pcm, nil
}
