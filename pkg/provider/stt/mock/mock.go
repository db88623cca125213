// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled Transcript values and inspect exactly which
// utterances were submitted.
//
// Example:
//
//	p := &mock.Provider{Results: []stt.Transcript{{Text: "hello", Language: "en"}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callflow/pkg/provider/stt"
)

// Call records a single invocation of Transcribe.
type Call struct {
	Ctx context.Context
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
//
// Each call consumes the next entry of Results and Errs. When a queue is
// exhausted its last entry repeats; an empty Results yields a zero Transcript
// and an empty Errs yields nil.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order.
	Results []stt.Transcript

	// Errs are returned in order alongside Results.
	Errs []error

	// Hold, if non-nil, is received from before returning. Transcribe still
	// returns ctx.Err() if ctx is cancelled first.
	Hold <-chan struct{}

	calls []Call
}

// Transcribe records the call and returns the next queued result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	audio := make([]byte, len(req.Audio))
	copy(audio, req.Audio)
	req.Audio = audio
	n := len(p.calls)
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	res := pick(p.Results, n)
	err := pick(p.Errs, n)
	hold := p.Hold
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

func pick[T any](q []T, i int) T {
	var zero T
	if len(q) == 0 {
		return zero
	}
	if i >= len(q) {
		return q[len(q)-1]
	}
	return q[i]
}

var _ stt.Provider = (*Provider)(nil)
