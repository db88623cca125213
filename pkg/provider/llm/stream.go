package llm

import "context"

// Stream is the producer half of a StreamCompletion channel. Adapters push
// text deltas with Text and finish with Close, which emits the final chunk
// carrying the finish reason, usage or error and then closes the channel.
//
// A Stream is owned by a single goroutine.
type Stream struct {
	ctx    context.Context
	ch     chan Chunk
	finish string
	usage  *Usage
}

// NewStream returns a stream bound to ctx and the channel it feeds.
func NewStream(ctx context.Context) (*Stream, <-chan Chunk) {
	ch := make(chan Chunk, 32)
	return &Stream{ctx: ctx, ch: ch}, ch
}

// Text emits a non-empty delta. It returns false once ctx is done; the
// caller should stop reading from its backend and Close.
func (s *Stream) Text(text string) bool {
	if text == "" {
		return s.ctx.Err() == nil
	}
	select {
	case s.ch <- Chunk{Text: text}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish records the backend's finish reason. Later non-empty reasons win.
func (s *Stream) Finish(reason string) {
	if reason != "" {
		s.finish = reason
	}
}

// SetUsage records token accounting for the final chunk.
func (s *Stream) SetUsage(u Usage) { s.usage = &u }

// Close emits the final chunk and closes the channel. A non-nil err turns
// the final chunk into a FinishError chunk. Without a recorded reason the
// stream finishes with "stop".
func (s *Stream) Close(err error) {
	defer close(s.ch)
	last := Chunk{FinishReason: s.finish, Usage: s.usage}
	switch {
	case err != nil:
		last = Chunk{FinishReason: FinishError, Err: err}
	case last.FinishReason == "":
		last.FinishReason = "stop"
	}
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.ch <- last:
	case <-s.ctx.Done():
	}
}
