// Package frame defines the typed units that flow between pipeline stages.
//
// A Frame is a sealed sum type: only the variants in this package implement
// it, so stages can switch over frame kinds exhaustively. Frames are values
// and are never mutated after creation; slices they carry (PCM, messages) are
// owned by the frame and must not be modified by the receiver.
package frame

import (
	"fmt"
	"time"

	"github.com/MrWong99/callflow/pkg/provider/llm"
)

// Frame is one unit on the pipeline bus.
type Frame interface {
	// Kind names the variant, for logging.
	Kind() string

	isFrame()
}

// AudioChunk is a piece of 16-bit little-endian PCM audio. Timestamp is the
// offset of the first sample from the start of the stream.
type AudioChunk struct {
	PCM        []byte
	SampleRate int
	Channel    int
	Timestamp  time.Duration
}

// TranscriptText is recognised speech for one turn.
type TranscriptText struct {
	Text     string
	Language string
	IsFinal  bool
	TurnID   uint64
}

// LLMTextDelta is an incremental piece of a generated reply. The last delta
// of every reply has IsFinal set; Aborted marks a reply that failed or was
// cancelled and must not be persisted.
type LLMTextDelta struct {
	Text     string
	IsFinal  bool
	ReplyID  uint64
	Language string
	Aborted  bool
}

// ControlKind enumerates control signals.
type ControlKind int

const (
	ControlStart ControlKind = iota
	ControlEnd
	ControlCancel
	ControlError
)

func (k ControlKind) String() string {
	switch k {
	case ControlStart:
		return "start"
	case ControlEnd:
		return "end"
	case ControlCancel:
		return "cancel"
	case ControlError:
		return "error"
	default:
		return fmt.Sprintf("control(%d)", int(k))
	}
}

// ControlSignal carries pipeline lifecycle and error notifications. Stage is
// the name of the stage that raised an error signal.
type ControlSignal struct {
	Signal ControlKind
	Stage  string
	Err    error
}

// EndsStream reports whether f is the end or cancel marker of the inbound
// stream. Stages that hold back output keep it behind that output.
func EndsStream(f Frame) bool {
	c, ok := f.(ControlSignal)
	return ok && (c.Signal == ControlEnd || c.Signal == ControlCancel)
}

// TurnEvent enumerates turn boundaries.
type TurnEvent int

const (
	SpeechStarted TurnEvent = iota
	SpeechEnded
)

func (e TurnEvent) String() string {
	if e == SpeechStarted {
		return "speech-started"
	}
	return "speech-ended"
}

// TurnSignal marks a turn boundary in the inbound audio stream. Synthetic is
// set when the turn was closed because the stream ended rather than because
// the caller stopped speaking.
type TurnSignal struct {
	Event     TurnEvent
	TurnID    uint64
	Timestamp time.Duration
	Synthetic bool
}

// LLMContext is an immutable snapshot of the conversation handed to the
// dialogue stage after a user message has been appended.
type LLMContext struct {
	Messages []llm.Message
	Language string
	TurnID   uint64
}

func (AudioChunk) Kind() string     { return "audio" }
func (TranscriptText) Kind() string { return "transcript" }
func (LLMTextDelta) Kind() string   { return "llm-delta" }
func (ControlSignal) Kind() string  { return "control" }
func (TurnSignal) Kind() string     { return "turn" }
func (LLMContext) Kind() string     { return "llm-context" }

func (AudioChunk) isFrame()     {}
func (TranscriptText) isFrame() {}
func (LLMTextDelta) isFrame()   {}
func (ControlSignal) isFrame()  {}
func (TurnSignal) isFrame()     {}
func (LLMContext) isFrame()     {}

// Error builds an error ControlSignal raised by stage.
func Error(stage string, err error) ControlSignal {
	return ControlSignal{Signal: ControlError, Stage: stage, Err: err}
}
