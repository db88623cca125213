package resilience

import (
	"context"

	"github.com/MrWong99/callflow/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that fails over across backends when a
// stream cannot be opened. Errors reported inside an open stream arrive as
// tts.Audio values and are not retried.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// Check fails while every backend's circuit is open.
func (f *TTSFallback) Check(ctx context.Context) error { return f.group.Check(ctx) }

// AddFallback registers a backend tried after the existing ones.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// SynthesizeStream opens a stream on the first healthy backend.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Audio, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan tts.Audio, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
