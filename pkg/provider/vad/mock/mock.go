// Package mock provides test doubles for the vad package interfaces.
//
// Use Session to script VAD decisions frame by frame, either from a fixed
// Script or from a classification function over the frame bytes.
//
// Example:
//
//	sess := &mock.Session{Func: func(f []byte) vad.Event { ... }}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/callflow/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a default Session is created.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// ProcessFrame answers from Func when set, otherwise from the next Script
// entry, otherwise with a Silence event.
type Session struct {
	mu sync.Mutex

	// Func classifies a frame.
	Func func(frame []byte) vad.Event

	// Script is consumed one entry per frame.
	Script []vad.Event

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	frames int
	resets int
	closed bool
}

// ProcessFrame returns the scripted event for frame.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errors.New("vad mock: session closed")
	}
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	i := s.frames
	s.frames++
	switch {
	case s.Func != nil:
		return s.Func(frame), nil
	case i < len(s.Script):
		return s.Script[i], nil
	}
	return vad.Event{Type: vad.Silence}, nil
}

// Reset counts the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ vad.SessionHandle = (*Session)(nil)
