// Package sarvam provides a TTS provider backed by the Sarvam AI
// text-to-speech REST API.
//
// Sarvam synthesises whole texts per request, so SynthesizeStream issues one
// request per received fragment, in order. The speech stage sends one
// fragment per sentence, which keeps the first audio close to the first
// sentence of the reply.
package sarvam

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/provider"
	"github.com/MrWong99/callflow/pkg/provider/tts"
)

const (
	name = "sarvam-tts"

	// DefaultBaseURL is the public Sarvam API endpoint.
	DefaultBaseURL = "https://api.sarvam.ai"

	// DefaultModel is used when no model is configured.
	DefaultModel = "bulbul:v2"

	// DefaultSampleRate is requested unless overridden; it matches telephony.
	DefaultSampleRate = 8000
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithModel selects the Sarvam TTS model.
func WithModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.model = m
		}
	}
}

// WithSampleRate sets the requested speech_sample_rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithPreprocessing toggles Sarvam's text normalisation of numbers and
// code-mixed text.
func WithPreprocessing(on bool) Option {
	return func(p *Provider) { p.preprocessing = on }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider against the Sarvam API.
type Provider struct {
	apiKey        string
	baseURL       string
	model         string
	sampleRate    int
	preprocessing bool
	httpClient    *http.Client
}

// New creates a Sarvam TTS provider. apiKey is the api-subscription-key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		baseURL:       DefaultBaseURL,
		model:         DefaultModel,
		sampleRate:    DefaultSampleRate,
		preprocessing: true,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type request struct {
	Text                string   `json:"text"`
	TargetLanguageCode  string   `json:"target_language_code"`
	Speaker             string   `json:"speaker,omitempty"`
	Pitch               *float64 `json:"pitch,omitempty"`
	Pace                *float64 `json:"pace,omitempty"`
	Loudness            *float64 `json:"loudness,omitempty"`
	SpeechSampleRate    int      `json:"speech_sample_rate"`
	EnablePreprocessing bool     `json:"enable_preprocessing"`
	Model               string   `json:"model"`
}

type response struct {
	RequestID string   `json:"request_id"`
	Audios    []string `json:"audios"`
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Audio, error) {
	if voice.Language == "" {
		return nil, &provider.PermanentError{Provider: name, Err: errors.New("voice language must be set")}
	}
	out := make(chan tts.Audio, 8)
	go func() {
		defer close(out)
		for {
			var fragment string
			var ok bool
			select {
			case <-ctx.Done():
				return
			case fragment, ok = <-text:
			}
			if !ok {
				return
			}
			if strings.TrimSpace(fragment) == "" {
				continue
			}
			a, err := p.synthesize(ctx, fragment, voice)
			if err != nil {
				a = tts.Audio{Err: err}
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
			if err != nil {
				// The caller still owns text; keep draining so it never blocks.
				go audio.Drain(text)
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	body, err := json.Marshal(request{
		Text:                text,
		TargetLanguageCode:  voice.Language,
		Speaker:             voice.ID,
		Pitch:               optional(voice.Pitch),
		Pace:                optional(voice.Pace),
		Loudness:            optional(voice.Loudness),
		SpeechSampleRate:    p.sampleRate,
		EnablePreprocessing: p.preprocessing,
		Model:               p.model,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("sarvam: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/text-to-speech", bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("sarvam: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-subscription-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("sarvam: http request: %w", provider.Classify(name, 0, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("sarvam: read response: %w", provider.Classify(name, 0, err))
	}
	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, provider.Classify(name, resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(data)))
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return tts.Audio{}, &provider.PermanentError{Provider: name, Err: fmt.Errorf("parse response: %w", err)}
	}

	var pcm []byte
	rate := p.sampleRate
	for _, enc := range r.Audios {
		wav, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return tts.Audio{}, &provider.PermanentError{Provider: name, Err: fmt.Errorf("decode audio: %w", err)}
		}
		chunk, f, err := audio.DecodeWAV(wav)
		if err != nil {
			return tts.Audio{}, &provider.PermanentError{Provider: name, Err: err}
		}
		if f.Channels == 2 {
			chunk = audio.StereoToMono(chunk)
		}
		rate = f.SampleRate
		pcm = append(pcm, chunk...)
	}
	return tts.Audio{PCM: pcm, SampleRate: rate}, nil
}

func optional(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
