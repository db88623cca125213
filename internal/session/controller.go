// Package session binds transport connections to pipeline tasks.
//
// A [Controller] holds the immutable configuration and providers shared by
// every call. [Controller.Start] accepts the connection arguments of one call
// and returns a [Session] in the connecting state. When the transport reports
// connected, the session seeds a fresh conversation with the system prompt,
// builds the stage chain and runs it; when the transport reports
// disconnected, it cancels the task and ends. Sessions are never revived.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callflow/internal/config"
	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/internal/resilience"
	"github.com/MrWong99/callflow/internal/turn"
	"github.com/MrWong99/callflow/pkg/provider/llm"
	"github.com/MrWong99/callflow/pkg/provider/stt"
	"github.com/MrWong99/callflow/pkg/provider/tts"
	"github.com/MrWong99/callflow/pkg/provider/vad"
	"github.com/MrWong99/callflow/pkg/transport"
)

// ErrUnsupportedTransport is wrapped in the ConfigurationError returned for
// connection arguments the controller cannot serve.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// Config is the per-call configuration snapshot. It is copied into every
// session at Start.
type Config struct {
	Params       pipeline.Params
	SystemPrompt string

	// VAD and Turn tune turn detection. SmartTurn enables the end-of-turn
	// classifier; without it a turn ends after StopSilence.
	VAD       vad.Config
	Turn      turn.Config
	SmartTurn bool

	// STT.
	STTLanguage string
	PreRoll     time.Duration
	STTTimeout  time.Duration
	STTRetry    resilience.RetryConfig

	// LLM.
	Temperature      float64
	MaxTokens        int
	MaxContextTokens int
	LLMRetry         resilience.RetryConfig

	// TTS. Voices maps languages to voice IDs.
	Voice  tts.VoiceProfile
	Voices map[string]string
}

// Providers are the external services shared by all sessions.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// HangUpFunc ends a call at the carrier. It is called when a session ends
// from our side while the caller is still connected.
type HangUpFunc func(ctx context.Context, args transport.TelephonyArgs) error

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the base logger. Sessions log with a session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the side-channel metrics sink.
func WithMetrics(m pipeline.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithEventHandler registers fn for outward session events.
func WithEventHandler(fn EventHandler) Option {
	return func(c *Controller) { c.onEvent = fn }
}

// WithHangUp enables automatic hang-up through fn.
func WithHangUp(fn HangUpFunc) Option {
	return func(c *Controller) { c.hangUp = fn }
}

// WithHangUpTimeout bounds one hang-up call. Default: 5s.
func WithHangUpTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.hangUpTimeout = d
		}
	}
}

// Controller creates sessions. It is safe for concurrent use.
type Controller struct {
	cfg       Config
	providers Providers

	log           *slog.Logger
	metrics       pipeline.Metrics
	onEvent       EventHandler
	hangUp        HangUpFunc
	hangUpTimeout time.Duration
}

// NewController validates cfg and providers. A missing provider or system
// prompt is a *config.ConfigurationError.
func NewController(cfg Config, providers Providers, opts ...Option) (*Controller, error) {
	var errs []error
	if providers.STT == nil {
		errs = append(errs, &config.ConfigurationError{Field: "providers.stt", Err: errors.New("not configured")})
	}
	if providers.LLM == nil {
		errs = append(errs, &config.ConfigurationError{Field: "providers.llm", Err: errors.New("not configured")})
	}
	if providers.TTS == nil {
		errs = append(errs, &config.ConfigurationError{Field: "providers.tts", Err: errors.New("not configured")})
	}
	if providers.VAD == nil {
		errs = append(errs, &config.ConfigurationError{Field: "providers.vad", Err: errors.New("not configured")})
	}
	if cfg.SystemPrompt == "" {
		errs = append(errs, &config.ConfigurationError{Field: "pipeline.system_prompt", Err: errors.New("is empty")})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	c := &Controller{
		cfg:           cfg,
		providers:     providers,
		log:           slog.Default(),
		hangUpTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Start creates a session for args. Only telephony connections are
// supported; any other variant is rejected with a *config.ConfigurationError
// and nothing is allocated. The session runs until the transport disconnects,
// the pipeline fails, Hangup is called, or ctx is cancelled.
func (c *Controller) Start(ctx context.Context, args transport.Args) (*Session, error) {
	switch a := args.(type) {
	case transport.TelephonyArgs:
		if a.Conn == nil {
			return nil, &config.ConfigurationError{Field: "transport", Err: errors.New("telephony connection is nil")}
		}
		s := newSession(c, a)
		go s.run(ctx)
		return s, nil
	case nil:
		return nil, &config.ConfigurationError{Field: "transport", Err: fmt.Errorf("%w: no connection arguments", ErrUnsupportedTransport)}
	default:
		return nil, &config.ConfigurationError{Field: "transport", Err: fmt.Errorf("%w: %s", ErrUnsupportedTransport, args.Kind())}
	}
}

func newID() string { return uuid.NewString() }
