// Package transport defines the boundary between a carrier connection and the
// voice pipeline.
//
// A carrier adapter (see internal/telephony/twilio) translates signalling,
// stream identifiers and codec framing into a Conn: a duplex stream of 16-bit
// PCM plus connected/disconnected lifecycle events. The pipeline never parses
// carrier envelopes itself.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/callflow/pkg/audio"
)

// EventType enumerates connection lifecycle events.
type EventType int

const (
	// Connected fires once the carrier has identified the call and media can flow.
	Connected EventType = iota

	// Disconnected fires once when the stream ends, for whatever reason.
	Disconnected
)

func (t EventType) String() string {
	if t == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event is a connection lifecycle notification. Err is set on a Disconnected
// event caused by a failure rather than an orderly hang-up.
type Event struct {
	Type EventType
	Err  error
}

// Conn is an abstract duplex audio connection.
type Conn interface {
	// Format is the PCM format of both directions.
	Format() audio.Format

	// Inbound returns caller audio as PCM. It is closed when the stream ends.
	Inbound() <-chan []byte

	// Events returns lifecycle events. It is closed after Disconnected.
	Events() <-chan Event

	// Send queues PCM for playback to the caller. Errors are *Error values.
	Send(ctx context.Context, pcm []byte) error

	// Close ends the connection from our side. It is safe to call more than once.
	Close() error
}

// Error reports a broken connection. It is never retried: the owning session
// is cancelled.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// ErrClosed is wrapped by Send after the connection has closed.
var ErrClosed = errors.New("connection closed")

// Kind enumerates transport variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelephony
	KindWebRTC
)

func (k Kind) String() string {
	switch k {
	case KindTelephony:
		return "telephony"
	case KindWebRTC:
		return "webrtc"
	default:
		return "unknown"
	}
}

// Args describes how a session's connection was established. It is a tagged
// union over transport kinds; consumers switch on the concrete type and must
// reject variants they do not support.
type Args interface {
	Kind() Kind
}

// TelephonyArgs is a carrier media stream.
type TelephonyArgs struct {
	Conn     Conn
	Carrier  string
	StreamID string
	CallID   string
}

// Kind implements Args.
func (TelephonyArgs) Kind() Kind { return KindTelephony }

// WebRTCArgs describes a browser peer connection. Sessions do not accept it.
type WebRTCArgs struct {
	PeerID string
}

// Kind implements Args.
func (WebRTCArgs) Kind() Kind { return KindWebRTC }
