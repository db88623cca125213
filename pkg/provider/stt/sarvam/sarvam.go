// Package sarvam provides an STT provider backed by the Sarvam AI
// speech-to-text REST API, which transcribes Indian languages and can identify
// the spoken language itself.
package sarvam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/provider"
	"github.com/MrWong99/callflow/pkg/provider/stt"
)

const (
	name = "sarvam-stt"

	// DefaultBaseURL is the public Sarvam API endpoint.
	DefaultBaseURL = "https://api.sarvam.ai"

	// DefaultModel is used when no model is configured.
	DefaultModel = "saarika:v2.5"
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithModel selects the Sarvam STT model.
func WithModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.model = m
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider against the Sarvam API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Sarvam STT provider. apiKey is the api-subscription-key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type response struct {
	RequestID    string   `json:"request_id"`
	Transcript   string   `json:"transcript"`
	LanguageCode *string  `json:"language_code"`
	Probability  *float64 `json:"language_probability"`
}

// Transcribe implements stt.Provider. An empty language hint asks Sarvam to
// identify the language; the detected code is returned on the Transcript.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	lang := req.Language
	if lang == "" {
		lang = stt.LanguageAuto
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("sarvam: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(req.Audio, audio.Format{SampleRate: req.SampleRate, Channels: 1})); err != nil {
		return stt.Transcript{}, fmt.Errorf("sarvam: write wav data: %w", err)
	}
	for k, v := range map[string]string{"model": p.model, "language_code": lang} {
		if err := mw.WriteField(k, v); err != nil {
			return stt.Transcript{}, fmt.Errorf("sarvam: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("sarvam: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/speech-to-text", &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("sarvam: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("api-subscription-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("sarvam: http request: %w", provider.Classify(name, 0, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("sarvam: read response: %w", provider.Classify(name, 0, err))
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, provider.Classify(name, resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(data)))
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return stt.Transcript{}, &provider.PermanentError{Provider: name, Err: fmt.Errorf("parse response: %w", err)}
	}

	out := stt.Transcript{Text: strings.TrimSpace(r.Transcript)}
	if r.LanguageCode != nil {
		out.Language = *r.LanguageCode
	} else if lang != stt.LanguageAuto {
		out.Language = lang
	}
	if r.Probability != nil {
		out.Confidence = *r.Probability
	}
	return out, nil
}
