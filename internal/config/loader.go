package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"stt": {"sarvam", "whisper"},
	"tts": {"sarvam", "elevenlabs"},
	"vad": {"energy"},
}

// keyRequired lists providers that cannot run without an API key.
var keyRequired = map[string][]string{
	"llm": {"openai"},
	"stt": {"sarvam"},
	"tts": {"sarvam", "elevenlabs"},
}

// ConfigurationError reports a missing or invalid setting, or a request the
// configuration cannot serve such as an unsupported transport. It fails
// startup or session creation before any resource is allocated.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// A .env file in the working directory is loaded into the environment first;
// variables already set are not overridden.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: could not read .env", "err", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// fills unset values from the environment and defaults, and validates the
// result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{}
	expanded := os.Expand(string(data), func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: environment variable not set", "name", name)
		}
		return v
	})
	// An empty document decodes to io.EOF; it is a valid, all-default config.
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills credentials and model names that the YAML left empty from
// well-known environment variables, looked up with lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	p := &cfg.Providers
	if p.LLM.Name == "" || p.LLM.Name == "openai" {
		set(&p.LLM.APIKey, "OPENAI_API_KEY")
		set(&p.LLM.Model, "OPENAI_MODEL")
	}
	if p.STT.Name == "" || p.STT.Name == "sarvam" {
		set(&p.STT.APIKey, "SARVAM_API_KEY")
		set(&p.STT.Model, "SARVAM_STT_MODEL")
	}
	if p.TTS.Name == "" || p.TTS.Name == "sarvam" {
		set(&p.TTS.APIKey, "SARVAM_API_KEY")
		set(&p.TTS.Model, "SARVAM_TTS_MODEL")
		set(&p.TTS.VoiceID, "SARVAM_TTS_VOICE_ID")
	}
	set(&cfg.Telephony.AccountSID, "TWILIO_ACCOUNT_SID")
	set(&cfg.Telephony.AuthToken, "TWILIO_AUTH_TOKEN")
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 8000
	DefaultLanguage        = "ta-IN"
	DefaultQueueSize       = 64
	DefaultDrainGrace      = 2 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStopSilence     = 200 * time.Millisecond
	DefaultMaxPause        = time.Second
	DefaultMaxTurn         = 30 * time.Second
	DefaultSTTTimeout      = 10 * time.Second
	DefaultPreRoll         = 200 * time.Millisecond
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = 200 * time.Millisecond
	DefaultMaxDelay        = 2 * time.Second
)

// ApplyDefaults fills every unset field with its default. Provider names
// default to OpenAI for the LLM and Sarvam for Indian-language speech.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	def(&s.ListenAddr, DefaultListenAddr)
	def(&s.LogLevel, LogInfo)
	def(&s.ShutdownTimeout, DefaultShutdownTimeout)

	p := &cfg.Providers
	def(&p.LLM.Name, "openai")
	def(&p.STT.Name, "sarvam")
	def(&p.TTS.Name, "sarvam")
	def(&p.VAD.Name, "energy")
	if p.LLM.Name == "openai" {
		def(&p.LLM.Model, "gpt-4o")
	}

	pl := &cfg.Pipeline
	def(&pl.InSampleRate, DefaultSampleRate)
	def(&pl.OutSampleRate, DefaultSampleRate)
	def(&pl.DefaultLanguage, DefaultLanguage)
	def(&pl.SystemPrompt, DefaultSystemPrompt)
	def(&pl.QueueSize, DefaultQueueSize)
	def(&pl.DrainGrace, DefaultDrainGrace)
	def(&p.TTS.SampleRate, pl.OutSampleRate)

	t := &cfg.Turn
	def(&t.StopSilence, DefaultStopSilence)
	def(&t.MaxPause, DefaultMaxPause)
	def(&t.MaxTurn, DefaultMaxTurn)
	def(&t.SpeechThreshold, 0.5)
	def(&t.SilenceThreshold, 0.35)

	st := &cfg.STT
	def(&st.PreRoll, DefaultPreRoll)
	def(&st.Timeout, DefaultSTTTimeout)
	defRetry(&st.Retry)
	defRetry(&cfg.LLM.Retry)
}

func defRetry(r *RetryConfig) {
	def(&r.MaxAttempts, DefaultMaxAttempts)
	def(&r.BaseDelay, DefaultBaseDelay)
	def(&r.MaxDelay, DefaultMaxDelay)
}

func def[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error of *ConfigurationError values listing every
// problem found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, invalid("server.log_level", "%q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.MaxSessions < 0 {
		errs = append(errs, invalid("server.max_sessions", "must not be negative"))
	}
	if s.CallsPerSecond < 0 || s.CallBurst < 0 {
		errs = append(errs, invalid("server.calls_per_second", "rate and burst must not be negative"))
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, invalid("server.tls", "cert_file and key_file are both required"))
	}

	// Providers
	p := cfg.Providers
	errs = append(errs, validateEntry("llm", "providers.llm", p.LLM)...)
	errs = append(errs, validateEntry("stt", "providers.stt", p.STT)...)
	errs = append(errs, validateEntry("tts", "providers.tts", p.TTS.ProviderEntry)...)
	validateProviderName("vad", p.VAD.Name)
	for i, e := range p.Fallbacks.LLM {
		errs = append(errs, validateEntry("llm", fmt.Sprintf("providers.fallbacks.llm[%d]", i), e)...)
	}
	for i, e := range p.Fallbacks.STT {
		errs = append(errs, validateEntry("stt", fmt.Sprintf("providers.fallbacks.stt[%d]", i), e)...)
	}
	for i, e := range p.Fallbacks.TTS {
		errs = append(errs, validateEntry("tts", fmt.Sprintf("providers.fallbacks.tts[%d]", i), e)...)
	}
	tts := p.TTS
	if tts.Pitch < -0.75 || tts.Pitch > 0.75 {
		errs = append(errs, invalid("providers.tts.pitch", "%.2f is out of range [-0.75, 0.75]", tts.Pitch))
	}
	if tts.Pace != 0 && (tts.Pace < 0.3 || tts.Pace > 3) {
		errs = append(errs, invalid("providers.tts.pace", "%.2f is out of range [0.3, 3.0]", tts.Pace))
	}
	if tts.Loudness != 0 && (tts.Loudness < 0.3 || tts.Loudness > 3) {
		errs = append(errs, invalid("providers.tts.loudness", "%.2f is out of range [0.3, 3.0]", tts.Loudness))
	}
	if tts.SampleRate < 0 {
		errs = append(errs, invalid("providers.tts.sample_rate", "must not be negative"))
	}

	// Pipeline
	pl := cfg.Pipeline
	if pl.InSampleRate <= 0 || pl.OutSampleRate <= 0 {
		errs = append(errs, invalid("pipeline.sample_rate", "in and out sample rates must be positive"))
	} else if pl.InSampleRate != DefaultSampleRate || pl.OutSampleRate != DefaultSampleRate {
		slog.Warn("pipeline sample rates differ from the 8 kHz telephony rate; carrier audio will be resampled",
			"in", pl.InSampleRate, "out", pl.OutSampleRate)
	}
	if pl.QueueSize < 0 {
		errs = append(errs, invalid("pipeline.queue_size", "must not be negative"))
	}
	if pl.DrainGrace < 0 {
		errs = append(errs, invalid("pipeline.drain_grace", "must not be negative"))
	}

	// Turn detection
	t := cfg.Turn
	if t.StopSilence < 0 || t.MaxPause < 0 || t.MaxTurn < 0 {
		errs = append(errs, invalid("turn", "durations must not be negative"))
	}
	if t.MaxPause != 0 && t.MaxPause < t.StopSilence {
		errs = append(errs, invalid("turn.max_pause", "%v is shorter than stop_silence %v", t.MaxPause, t.StopSilence))
	}
	if t.MaxTurn != 0 && t.MaxTurn <= t.MaxPause {
		errs = append(errs, invalid("turn.max_turn", "%v must exceed max_pause %v", t.MaxTurn, t.MaxPause))
	}
	if t.SpeechThreshold < 0 || t.SpeechThreshold > 1 || t.SilenceThreshold < 0 || t.SilenceThreshold > 1 {
		errs = append(errs, invalid("turn", "thresholds must be within [0, 1]"))
	} else if t.SilenceThreshold > t.SpeechThreshold {
		errs = append(errs, invalid("turn.silence_threshold", "%.2f exceeds speech_threshold %.2f", t.SilenceThreshold, t.SpeechThreshold))
	}

	// STT / LLM
	if cfg.STT.Timeout < 0 || cfg.STT.PreRoll < 0 {
		errs = append(errs, invalid("stt", "timeout and pre_roll must not be negative"))
	}
	errs = append(errs, validateRetry("stt.retry", cfg.STT.Retry)...)
	errs = append(errs, validateRetry("llm.retry", cfg.LLM.Retry)...)
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, invalid("llm.temperature", "%.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 || cfg.LLM.MaxContextTokens < 0 {
		errs = append(errs, invalid("llm", "token limits must not be negative"))
	}

	// Telephony
	tel := cfg.Telephony
	if tel.ValidateSignature && tel.AuthToken == "" {
		errs = append(errs, invalid("telephony.auth_token", "is required when validate_signature is enabled"))
	}
	if tel.AutoHangUp && (tel.AccountSID == "" || tel.AuthToken == "") {
		errs = append(errs, invalid("telephony", "account_sid and auth_token are required when auto_hang_up is enabled"))
	}

	return errors.Join(errs...)
}

func validateEntry(kind, field string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, invalid(field+".name", "is required"))
	}
	validateProviderName(kind, e.Name)
	if slices.Contains(keyRequired[kind], e.Name) && e.APIKey == "" {
		errs = append(errs, invalid(field+".api_key", "is required for %s", e.Name))
	}
	if kind == "stt" && e.Name == "whisper" && e.BaseURL == "" {
		errs = append(errs, invalid(field+".base_url", "is required for whisper"))
	}
	return errs
}

func validateRetry(field string, r RetryConfig) []error {
	var errs []error
	if r.MaxAttempts < 0 {
		errs = append(errs, invalid(field+".max_attempts", "must not be negative"))
	}
	if r.MaxDelay != 0 && r.MaxDelay < r.BaseDelay {
		errs = append(errs, invalid(field+".max_delay", "%v is shorter than base_delay %v", r.MaxDelay, r.BaseDelay))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
