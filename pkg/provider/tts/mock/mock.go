// Package mock provides a test double for the tts.Provider interface.
//
// Provider consumes the whole text stream of each call, records the
// concatenated text and voice, and then emits the configured audio.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{make([]byte, 320)}, Rate: 8000}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/callflow/pkg/provider/tts"
)

// Call records a single completed invocation of SynthesizeStream.
type Call struct {
	// Text is every fragment received, concatenated in order.
	Text string
	// Fragments are the individual text fragments in arrival order.
	Fragments []string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted once per call after the text stream closes.
	Chunks [][]byte

	// Rate is the SampleRate reported on emitted Audio. Defaults to 8000.
	Rate int

	// StartErr, if non-nil, is returned from SynthesizeStream.
	StartErr error

	// StreamErr, if non-nil, is emitted as the final Audio of each stream.
	StreamErr error

	// Hold, if non-nil, is received from after the text stream closes and
	// before any audio is emitted.
	Hold <-chan struct{}

	calls   []Call
	started int
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Audio, error) {
	p.mu.Lock()
	p.started++
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	rate := p.Rate
	if rate == 0 {
		rate = 8000
	}
	streamErr := p.StreamErr
	hold := p.Hold
	p.mu.Unlock()

	ch := make(chan tts.Audio, len(chunks)+1)
	go func() {
		defer close(ch)
		var frags []string
	collect:
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-text:
				if !ok {
					break collect
				}
				frags = append(frags, s)
			}
		}
		p.mu.Lock()
		p.calls = append(p.calls, Call{Text: strings.Join(frags, ""), Fragments: frags, Voice: voice})
		p.mu.Unlock()

		if hold != nil {
			select {
			case <-ctx.Done():
				return
			case <-hold:
			}
		}

		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- tts.Audio{PCM: c, SampleRate: rate}:
			}
		}
		if streamErr != nil {
			ch <- tts.Audio{Err: streamErr}
		}
	}()
	return ch, nil
}

// Calls returns a copy of the completed calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Started returns how many times SynthesizeStream was invoked.
func (p *Provider) Started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

var _ tts.Provider = (*Provider)(nil)
