// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Sarvam or
// ElevenLabs) and presents a uniform streaming interface. The entry point is
// SynthesizeStream, which accepts a channel of text fragments and returns a
// channel of PCM audio as it becomes available, so LLM output can be voiced
// before the reply is complete.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile selects the voice and language for one synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (Sarvam "speaker",
	// ElevenLabs voice ID).
	ID string

	// Language is the BCP-47 tag to synthesise in, e.g. "ta-IN".
	Language string

	// Pitch, Pace and Loudness are provider-specific prosody controls. Zero
	// means provider default.
	Pitch    float64
	Pace     float64
	Loudness float64

	// Metadata holds provider-specific attributes.
	Metadata map[string]string
}

// Audio is one piece of synthesised speech. A value with Err set is the last
// one on the channel and reports why synthesis stopped early.
type Audio struct {
	// PCM is 16-bit signed little-endian mono audio.
	PCM []byte

	// SampleRate is the rate of PCM in Hz.
	SampleRate int

	// Err reports a failure after the stream was opened.
	Err error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// that emits Audio in the order the text arrived. The caller closes text
	// when the reply is complete.
	//
	// The returned channel is closed by the implementation once all text has
	// been synthesised or when ctx is cancelled. The caller must drain it.
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan Audio, error)
}
