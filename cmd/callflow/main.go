// Command callflow is the main entry point for the callflow voice agent
// server. It answers Twilio calls and runs one voice pipeline per call.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callflow/internal/app"
	"github.com/MrWong99/callflow/internal/config"
	"github.com/MrWong99/callflow/internal/observe"
	"github.com/MrWong99/callflow/internal/resilience"
	"github.com/MrWong99/callflow/internal/session"
	"github.com/MrWong99/callflow/pkg/provider/llm"
	"github.com/MrWong99/callflow/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/callflow/pkg/provider/llm/openai"
	"github.com/MrWong99/callflow/pkg/provider/stt"
	sarvamstt "github.com/MrWong99/callflow/pkg/provider/stt/sarvam"
	"github.com/MrWong99/callflow/pkg/provider/stt/whisper"
	"github.com/MrWong99/callflow/pkg/provider/tts"
	"github.com/MrWong99/callflow/pkg/provider/tts/elevenlabs"
	sarvamtts "github.com/MrWong99/callflow/pkg/provider/tts/sarvam"
	"github.com/MrWong99/callflow/pkg/provider/vad"
	"github.com/MrWong99/callflow/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callflow: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callflow: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("callflow starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	slog.Debug("provider factories registered", "names", reg.Names())

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers,
		app.WithLogger(logger),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
		app.WithCloser(func() error { return tel.Shutdown(context.Background()) }),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// SIGHUP always rereads the file; -watch also polls it.
	w, err := config.NewWatcher(*configPath,
		config.WithWatchLogger(logger),
		config.OnUpdate(func(u config.Update) { onConfigChange(application, level, u) }),
	)
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		go reloadOnHangup(ctx, w)
		if *watch {
			go func() { _ = w.Run(ctx) }()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); errors.Is(err, config.ErrUnchanged) {
				slog.Info("SIGHUP: config file unchanged")
			} else if err != nil {
				slog.Error("SIGHUP: config reload failed, keeping previous config", "err", err)
			}
		}
	}
}

// onConfigChange applies the hot-reloadable part of a changed config file.
func onConfigChange(a *app.App, level *slog.LevelVar, u config.Update) {
	d := u.Diff
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
	if !d.Changed() {
		return
	}
	if err := a.Reload(u.New); err != nil {
		slog.Error("config reload rejected", "err", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every any-llm vendor except OpenAI, which has its own adapter above.
	for _, vendor := range anyllm.Backends() {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("sarvam", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sarvamstt.Option
		if entry.BaseURL != "" {
			opts = append(opts, sarvamstt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, sarvamstt.WithModel(entry.Model))
		}
		return sarvamstt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("sarvam", func(entry config.TTSEntry) (tts.Provider, error) {
		opts := []sarvamtts.Option{sarvamtts.WithSampleRate(entry.SampleRate)}
		if entry.BaseURL != "" {
			opts = append(opts, sarvamtts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, sarvamtts.WithModel(entry.Model))
		}
		if v, ok := entry.Options["preprocessing"].(bool); ok {
			opts = append(opts, sarvamtts.WithPreprocessing(v))
		}
		return sarvamtts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.TTSEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if ref, ok := entry.Options["reference"].(float64); ok {
			opts = append(opts, energy.WithReference(ref))
		}
		if n, ok := entry.Options["start_frames"].(int); ok {
			opts = append(opts, energy.WithStartFrames(n))
		}
		return energy.New(opts...), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry.
// Configured fallbacks wrap the primary in a breaker-guarded group.
func buildProviders(cfg *config.Config, reg *config.Registry) (session.Providers, error) {
	var ps session.Providers
	pc := cfg.Providers

	llmP, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
	}
	ps.LLM = llmP
	if len(pc.Fallbacks.LLM) > 0 {
		fb := resilience.NewLLMFallback(llmP, pc.LLM.Name, breakerConfig(pc.LLM.Name))
		for _, e := range pc.Fallbacks.LLM {
			p, err := reg.CreateLLM(e)
			if err != nil {
				return ps, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
		}
		ps.LLM = fb
	}
	slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "model", pc.LLM.Model, "fallbacks", len(pc.Fallbacks.LLM))

	sttP, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
	}
	ps.STT = sttP
	if len(pc.Fallbacks.STT) > 0 {
		fb := resilience.NewSTTFallback(sttP, pc.STT.Name, breakerConfig(pc.STT.Name))
		for _, e := range pc.Fallbacks.STT {
			p, err := reg.CreateSTT(e)
			if err != nil {
				return ps, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
		}
		ps.STT = fb
	}
	slog.Info("provider created", "kind", "stt", "name", pc.STT.Name, "fallbacks", len(pc.Fallbacks.STT))

	ttsP, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", pc.TTS.Name, err)
	}
	ps.TTS = ttsP
	if len(pc.Fallbacks.TTS) > 0 {
		fb := resilience.NewTTSFallback(ttsP, pc.TTS.Name, breakerConfig(pc.TTS.Name))
		for _, e := range pc.Fallbacks.TTS {
			p, err := reg.CreateTTS(config.TTSEntry{ProviderEntry: e, VoiceID: pc.TTS.VoiceID, SampleRate: pc.TTS.SampleRate})
			if err != nil {
				return ps, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
		}
		ps.TTS = fb
	}
	slog.Info("provider created", "kind", "tts", "name", pc.TTS.Name, "voice", pc.TTS.VoiceID, "fallbacks", len(pc.Fallbacks.TTS))

	vadP, err := reg.CreateVAD(pc.VAD)
	if err != nil {
		return ps, fmt.Errorf("create vad provider %q: %w", pc.VAD.Name, err)
	}
	ps.VAD = vadP
	slog.Info("provider created", "kind", "vad", "name", pc.VAD.Name)

	return ps, nil
}

func breakerConfig(name string) resilience.FallbackConfig {
	return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{Name: name}}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
