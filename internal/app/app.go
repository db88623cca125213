// Package app wires the callflow subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the session controller,
// the call admission layer and the HTTP surface; Run serves until ctx is
// cancelled; Shutdown drains live calls and tears everything down in order.
//
// The HTTP surface is:
//
//	POST /twilio/voice   incoming-call webhook answering with <Connect><Stream>
//	GET  /twilio/stream  Twilio Media Streams websocket
//	GET  /healthz        liveness
//	GET  /readyz         readiness (fails while draining or at capacity)
//	GET  /metrics        Prometheus scrape endpoint, when configured
//
// For testing, inject test doubles via functional options and drive the
// server through [App.Handler].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callflow/internal/config"
	"github.com/MrWong99/callflow/internal/health"
	"github.com/MrWong99/callflow/internal/observe"
	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/internal/resilience"
	"github.com/MrWong99/callflow/internal/session"
	"github.com/MrWong99/callflow/internal/telephony/twilio"
	"github.com/MrWong99/callflow/internal/turn"
	"github.com/MrWong99/callflow/pkg/provider/tts"
	"github.com/MrWong99/callflow/pkg/provider/vad"
	"github.com/MrWong99/callflow/pkg/transport"
)

// startTimeout bounds the wait for the carrier's start message after the
// websocket opens.
const startTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	mu        sync.Mutex
	cfg       *config.Config
	providers session.Providers

	log            *slog.Logger
	metrics        *observe.Metrics
	metricsHandler http.Handler
	hangUp         session.HangUpFunc

	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHangUp overrides the carrier hang-up used when a call ends from our
// side. By default the Twilio REST API is used when telephony.auto_hang_up
// is set and credentials are configured.
func WithHangUp(fn session.HangUpFunc) Option {
	return func(a *App) { a.hangUp = fn }
}

// WithCloser registers fn to run during Shutdown, after live calls have
// ended.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App from cfg. cfg must have passed [config.Validate].
func New(cfg *config.Config, providers session.Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	tel := cfg.Telephony
	if a.hangUp == nil && tel.AutoHangUp {
		if tel.AccountSID == "" || tel.AuthToken == "" {
			a.log.Warn("app: auto hang-up disabled, telephony credentials missing")
		} else {
			a.hangUp = twilio.NewHangUp(tel.AccountSID, tel.AuthToken).Call
		}
	}

	ctrl, err := a.newController(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Controller:     ctrl,
		MaxSessions:    cfg.Server.MaxSessions,
		CallsPerSecond: cfg.Server.CallsPerSecond,
		CallBurst:      cfg.Server.CallBurst,
		Metrics:        a.metrics,
		Logger:         a.log,
	})
	a.health = health.New(health.Checker{Name: "sessions", Check: a.sessions.Ready})
	a.health.Add(providerCheckers(providers)...)

	mux := http.NewServeMux()
	mux.Handle("POST /twilio/voice", twilio.NewVoiceHandler(twilio.VoiceConfig{
		StreamURL:         tel.StreamURL,
		StreamPath:        twilio.DefaultStreamPath,
		AuthToken:         tel.AuthToken,
		ValidateSignature: tel.ValidateSignature,
		Logger:            a.log,
	}))
	mux.HandleFunc("GET "+twilio.DefaultStreamPath, a.serveStream)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics, a.log)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the call admission layer.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Reload applies a new configuration to calls started from now on. Live
// calls keep the configuration they started with. Provider and listener
// changes need a restart.
func (a *App) Reload(cfg *config.Config) error {
	ctrl, err := a.newController(cfg)
	if err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.sessions.SetController(ctrl)
	a.log.Info("app: configuration reloaded")
	return nil
}

func (a *App) newController(cfg *config.Config) (*session.Controller, error) {
	opts := []session.Option{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithEventHandler(a.onEvent),
	}
	if a.hangUp != nil {
		opts = append(opts, session.WithHangUp(a.hangUp))
	}
	return session.NewController(SessionConfig(cfg), a.providers, opts...)
}

func (a *App) onEvent(ev session.Event) {
	a.metrics.RecordSessionEvent(context.Background(), ev.Type.String())
}

// checkable is implemented by providers that can report their own health,
// such as the breaker-guarded fallback groups.
type checkable interface {
	Check(ctx context.Context) error
}

// providerCheckers returns optional readiness checks for the providers that
// can report health. A failing vendor degrades readiness without failing it.
func providerCheckers(p session.Providers) []health.Checker {
	var out []health.Checker
	for name, v := range map[string]any{"stt": p.STT, "llm": p.LLM, "tts": p.TTS} {
		if c, ok := v.(checkable); ok {
			out = append(out, health.Checker{Name: "providers." + name, Check: c.Check, Optional: true})
		}
	}
	return out
}

// SessionConfig maps the loaded configuration to the per-call snapshot.
func SessionConfig(cfg *config.Config) session.Config {
	pl := cfg.Pipeline
	params := pipeline.Params{
		InSampleRate:       pl.InSampleRate,
		OutSampleRate:      pl.OutSampleRate,
		EnableMetrics:      config.Bool(pl.EnableMetrics, true),
		EnableUsageMetrics: config.Bool(pl.EnableUsageMetrics, true),
		DefaultLanguage:    pl.DefaultLanguage,
		QueueSize:          pl.QueueSize,
		DrainGrace:         pl.DrainGrace,
	}.WithDefaults()

	voice := cfg.Providers.TTS
	return session.Config{
		Params:       params,
		SystemPrompt: pl.SystemPrompt,

		VAD: vad.Config{
			SampleRate:       params.InSampleRate,
			FrameSizeMs:      20,
			SpeechThreshold:  cfg.Turn.SpeechThreshold,
			SilenceThreshold: cfg.Turn.SilenceThreshold,
		},
		Turn: turn.Config{
			SampleRate:  params.InSampleRate,
			StopSilence: cfg.Turn.StopSilence,
			MaxPause:    cfg.Turn.MaxPause,
			MaxTurn:     cfg.Turn.MaxTurn,
		},
		SmartTurn: config.Bool(cfg.Turn.SmartTurn, true),

		STTLanguage: cfg.STT.Language,
		PreRoll:     cfg.STT.PreRoll,
		STTTimeout:  cfg.STT.Timeout,
		STTRetry:    retryConfig("stt", cfg.STT.Retry),

		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		MaxContextTokens: cfg.LLM.MaxContextTokens,
		LLMRetry:         retryConfig("llm", cfg.LLM.Retry),

		Voice: tts.VoiceProfile{
			ID:       voice.VoiceID,
			Language: params.DefaultLanguage,
			Pitch:    voice.Pitch,
			Pace:     voice.Pace,
			Loudness: voice.Loudness,
		},
		Voices: voice.Voices,
	}
}

func retryConfig(name string, r config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Name:        name,
	}
}

// serveStream runs one Twilio media stream. It waits for the start message
// so the session knows the call SID, then blocks until the call ends.
func (a *App) serveStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("app: websocket upgrade failed", "err", err)
		return
	}
	ctx := r.Context()
	st := twilio.NewStream(ws, twilio.WithLogger(a.log))
	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(ctx) }()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case <-st.Started():
	case err := <-runErr:
		a.log.Info("app: media stream ended before start", "err", err)
		return
	case <-timer.C:
		a.log.Warn("app: no start message from carrier", "timeout", startTimeout)
		_ = st.Close()
		<-runErr
		return
	case <-ctx.Done():
		_ = st.Close()
		<-runErr
		return
	}

	info := st.Info()
	args := transport.TelephonyArgs{
		Conn:     st,
		Carrier:  twilio.Carrier,
		StreamID: info.StreamSID,
		CallID:   info.CallSID,
	}
	ctx, span := observe.StartCallSpan(ctx, args.Carrier, args.StreamID, args.CallID)
	defer span.End()
	log := observe.Logger(ctx, a.log)

	s, err := a.sessions.Start(ctx, args)
	if err != nil {
		observe.EndCall(ctx, "", err)
		a.reject(ctx, log, st, args, err)
		<-runErr
		return
	}

	<-s.Done()
	observe.EndCall(ctx, s.ID(), s.Err())
	if err := <-runErr; err != nil {
		log.Debug("app: media stream closed", "session_id", s.ID(), "err", err)
	}
}

// reject closes a stream the session manager refused and, when hang-up is
// enabled, ends the call at the carrier so the caller is not left in
// silence.
func (a *App) reject(ctx context.Context, log *slog.Logger, st *twilio.Stream, args transport.TelephonyArgs, err error) {
	log.Warn("app: call not started", "call_id", args.CallID, "err", err)
	defer func() { _ = st.Close() }()
	if a.hangUp == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.hangUp(hctx, args); err != nil {
		log.Warn("app: hang-up of rejected call failed", "call_id", args.CallID, "err", err)
	}
}

// Run serves HTTP until ctx is cancelled or the listener fails. When ctx is
// done, Run returns ctx.Err(); call Shutdown to drain live calls.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	tlsCfg := a.cfg.Server.TLS
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- a.server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	a.log.Info("app running", "addr", ln.Addr().String(), "tls", tlsCfg != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown tears down all subsystems in order: readiness flips to draining,
// live calls are hung up and awaited, the HTTP server stops, and the
// registered closers run. It respects the context deadline: if ctx expires,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.SetDraining(true)

		var errs []error
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		shutdownErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
