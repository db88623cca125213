// Package twilio adapts Twilio Programmable Voice to the callflow transport.
//
// [Stream] speaks the Media Streams WebSocket protocol: it parses the
// connected, start, media, mark and stop events, decodes inbound μ-law into
// 16-bit PCM, and encodes outbound PCM into 20 ms μ-law media messages.
// [VoiceHandler] answers the incoming-call webhook with TwiML that connects
// the call to the stream endpoint, and [HangUp] completes a call through the
// REST API.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/transport"
)

// Carrier is the carrier name reported in transport.TelephonyArgs.
const Carrier = "twilio"

// DefaultInboundBuffer is the number of inbound 20 ms frames buffered before
// audio is dropped (five seconds).
const DefaultInboundBuffer = 250

// errNotStarted is wrapped by Send before the start message arrived.
var errNotStarted = errors.New("stream not started")

// Media Streams message envelope. Only the fields callflow uses are decoded.
type message struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid,omitempty"`
	Start     *startInfo `json:"start,omitempty"`
	Media     *mediaInfo `json:"media,omitempty"`
	Mark      *markInfo  `json:"mark,omitempty"`
}

type startInfo struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type mediaInfo struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markInfo struct {
	Name string `json:"name"`
}

// StartInfo identifies the call once the stream has started.
type StartInfo struct {
	StreamSID  string
	CallSID    string
	AccountSID string
	Parameters map[string]string
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.log = l }
}

// WithInboundBuffer sets the inbound queue length in frames.
func WithInboundBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.bufLen = n
		}
	}
}

// Stream is one Media Streams connection. It implements transport.Conn; the
// owner must call Run to pump the socket.
type Stream struct {
	ws     *websocket.Conn
	log    *slog.Logger
	bufLen int

	inbound chan []byte
	events  chan transport.Event
	started chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	info    StartInfo
	closed  bool
	dropped int
	endOnce sync.Once
}

// NewStream wraps an accepted WebSocket.
func NewStream(ws *websocket.Conn, opts ...Option) *Stream {
	s := &Stream{
		ws:      ws,
		log:     slog.Default(),
		bufLen:  DefaultInboundBuffer,
		events:  make(chan transport.Event, 2),
		started: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.inbound = make(chan []byte, s.bufLen)
	return s
}

// Format implements transport.Conn. Media Streams carry 8 kHz mono.
func (s *Stream) Format() audio.Format { return audio.Telephony }

// Inbound implements transport.Conn.
func (s *Stream) Inbound() <-chan []byte { return s.inbound }

// Events implements transport.Conn. Connected fires on the start message.
func (s *Stream) Events() <-chan transport.Event { return s.events }

// Started is closed once the start message has been received.
func (s *Stream) Started() <-chan struct{} { return s.started }

// Info returns the call identifiers. It is empty before Started is closed.
func (s *Stream) Info() StartInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Run reads the socket until the stop message, a close, or a read failure.
// It emits Disconnected exactly once and closes Inbound and Events before
// returning. A clean end returns nil.
func (s *Stream) Run(ctx context.Context) error {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			if s.isClosed() || isNormalClose(err) {
				s.end(nil)
				return nil
			}
			terr := &transport.Error{Op: "read", Err: err}
			s.end(terr)
			return terr
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("twilio: malformed message", "err", err)
			continue
		}
		switch msg.Event {
		case "connected":
			s.log.Debug("twilio: socket connected")
		case "start":
			s.start(msg)
		case "media":
			s.media(msg)
		case "mark":
			if msg.Mark != nil {
				s.log.Debug("twilio: mark played", "name", msg.Mark.Name)
			}
		case "stop":
			s.log.Info("twilio: stream stopped", "stream_sid", msg.StreamSid)
			s.end(nil)
			return nil
		default:
			s.log.Debug("twilio: ignoring event", "event", msg.Event)
		}
	}
}

func (s *Stream) start(msg message) {
	if msg.Start == nil {
		s.log.Warn("twilio: start message without metadata")
		return
	}
	s.mu.Lock()
	if s.info.StreamSID != "" {
		s.mu.Unlock()
		return
	}
	sid := msg.Start.StreamSid
	if sid == "" {
		sid = msg.StreamSid
	}
	s.info = StartInfo{
		StreamSID:  sid,
		CallSID:    msg.Start.CallSid,
		AccountSID: msg.Start.AccountSid,
		Parameters: msg.Start.CustomParameters,
	}
	s.mu.Unlock()

	f := msg.Start.MediaFormat
	if f.Encoding != "" && f.Encoding != "audio/x-mulaw" {
		s.log.Warn("twilio: unexpected media encoding", "encoding", f.Encoding)
	}
	s.log.Info("twilio: stream started", "stream_sid", sid, "call_sid", msg.Start.CallSid)
	close(s.started)
	s.events <- transport.Event{Type: transport.Connected}
}

func (s *Stream) media(msg message) {
	if msg.Media == nil || (msg.Media.Track != "" && msg.Media.Track != "inbound") {
		return
	}
	ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.log.Warn("twilio: bad media payload", "err", err)
		return
	}
	select {
	case s.inbound <- audio.DecodeMulaw(ulaw):
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n == 1 || n%50 == 0 {
			s.log.Warn("twilio: inbound audio dropped, consumer too slow", "dropped", n)
		}
	}
}

// end closes the inbound side and reports Disconnected once.
func (s *Stream) end(err error) {
	s.endOnce.Do(func() {
		close(s.inbound)
		s.events <- transport.Event{Type: transport.Disconnected, Err: err}
		close(s.events)
	})
}

// Send encodes pcm to μ-law and writes it as 20 ms media messages.
func (s *Stream) Send(ctx context.Context, pcm []byte) error {
	sid := s.Info().StreamSID
	if s.isClosed() {
		return &transport.Error{Op: "send", Err: transport.ErrClosed}
	}
	if sid == "" {
		return &transport.Error{Op: "send", Err: errNotStarted}
	}
	for _, chunk := range audio.SplitFrames(audio.EncodeMulaw(pcm), audio.MulawFrameBytes) {
		err := s.write(ctx, message{
			Event:     "media",
			StreamSid: sid,
			Media:     &mediaInfo{Payload: base64.StdEncoding.EncodeToString(chunk)},
		})
		if err != nil {
			return &transport.Error{Op: "send", Err: err}
		}
	}
	return nil
}

// Mark asks Twilio to echo name back once the audio queued before it has
// played.
func (s *Stream) Mark(ctx context.Context, name string) error {
	sid := s.Info().StreamSID
	if sid == "" {
		return &transport.Error{Op: "mark", Err: errNotStarted}
	}
	if err := s.write(ctx, message{Event: "mark", StreamSid: sid, Mark: &markInfo{Name: name}}); err != nil {
		return &transport.Error{Op: "mark", Err: err}
	}
	return nil
}

// Clear discards audio Twilio has buffered but not yet played.
func (s *Stream) Clear(ctx context.Context) error {
	sid := s.Info().StreamSID
	if sid == "" {
		return &transport.Error{Op: "clear", Err: errNotStarted}
	}
	if err := s.write(ctx, message{Event: "clear", StreamSid: sid}); err != nil {
		return &transport.Error{Op: "clear", Err: err}
	}
	return nil
}

func (s *Stream) write(ctx context.Context, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("twilio: encode %s: %w", msg.Event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.Write(ctx, websocket.MessageText, data)
}

// Close ends the socket from our side. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ws.Close(websocket.StatusNormalClosure, "call ended")
	if err != nil && !isNormalClose(err) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("twilio: close: %w", err)
	}
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

var _ transport.Conn = (*Stream)(nil)
