// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Transcription is turn based: the turn detector segments the inbound audio
// and the transcription stage submits one complete utterance per request.
// Providers therefore expose a single blocking call rather than a streaming
// session. A provider that identifies the spoken language reports it on the
// Transcript; that language follows the user's words through the LLM and into
// voice selection for the reply.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// LanguageAuto asks the provider to identify the spoken language itself.
const LanguageAuto = "unknown"

// Request is one utterance to transcribe.
type Request struct {
	// Audio is 16-bit signed little-endian mono PCM.
	Audio []byte

	// SampleRate is the sample rate of Audio in Hz.
	SampleRate int

	// Language is a BCP-47 hint such as "ta-IN". Empty or LanguageAuto requests
	// automatic language identification.
	Language string
}

// Transcript is the result of one transcription.
type Transcript struct {
	// Text is the transcribed speech. Empty when nothing intelligible was heard.
	Text string

	// Language is the BCP-47 tag the provider detected or was told to use.
	// Empty when the provider does not report a language.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero when unreported.
	Confidence float64
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe sends one utterance to the backend and waits for the result.
	//
	// Failures are reported as provider.TransientError or
	// provider.PermanentError so callers can decide whether to retry.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
