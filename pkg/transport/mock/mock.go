// Package mock provides an in-memory transport.Conn for tests.
//
// Drive the caller side with Connect, Push and Hangup; inspect what the
// pipeline played back with Sent.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/transport"
)

// Conn is a mock implementation of transport.Conn.
type Conn struct {
	// SendErr, if non-nil, is returned (wrapped in a *transport.Error) by Send.
	SendErr error

	AudioFormat audio.Format

	once    sync.Once
	inbound chan []byte
	events  chan transport.Event

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	hungUp bool
}

// New returns a Conn in telephony format with buffered channels.
func New() *Conn {
	c := &Conn{AudioFormat: audio.Telephony}
	c.init()
	return c
}

func (c *Conn) init() {
	c.once.Do(func() {
		c.inbound = make(chan []byte, 1024)
		c.events = make(chan transport.Event, 4)
		if c.AudioFormat.SampleRate == 0 {
			c.AudioFormat = audio.Telephony
		}
	})
}

// Format implements transport.Conn.
func (c *Conn) Format() audio.Format { c.init(); return c.AudioFormat }

// Inbound implements transport.Conn.
func (c *Conn) Inbound() <-chan []byte { c.init(); return c.inbound }

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event { c.init(); return c.events }

// Send records pcm.
func (c *Conn) Send(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return &transport.Error{Op: "send", Err: c.SendErr}
	}
	if c.closed {
		return &transport.Error{Op: "send", Err: transport.ErrClosed}
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.sent = append(c.sent, cp)
	return nil
}

// Close marks the connection closed and hangs up if the caller has not.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Hangup(nil)
	return nil
}

// Connect emits a Connected event.
func (c *Conn) Connect() {
	c.init()
	c.events <- transport.Event{Type: transport.Connected}
}

// Push delivers caller audio.
func (c *Conn) Push(pcm []byte) {
	c.init()
	c.inbound <- pcm
}

// Hangup ends the inbound stream and emits Disconnected with err. Only the
// first call has an effect.
func (c *Conn) Hangup(err error) {
	c.init()
	c.mu.Lock()
	if c.hungUp {
		c.mu.Unlock()
		return
	}
	c.hungUp = true
	c.mu.Unlock()
	close(c.inbound)
	c.events <- transport.Event{Type: transport.Disconnected, Err: err}
	close(c.events)
}

// Sent returns a copy of every PCM buffer passed to Send.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ transport.Conn = (*Conn)(nil)
