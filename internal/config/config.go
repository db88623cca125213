// Package config provides the configuration schema, loader, and provider
// registry for callflow.
//
// A Config is loaded once at process start (see [Load]) and treated as
// immutable afterwards. Each new call session takes its own snapshot of the
// values it needs, so a reload by the [Watcher] only affects sessions started
// after it.
package config

import "time"

// LogLevel controls log verbosity for the callflow server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultSystemPrompt seeds every conversation unless pipeline.system_prompt
// is set.
const DefaultSystemPrompt = "You are a friendly IVR AI assistant for indian consumers. " +
	"Respond naturally and keep your answers conversational, " +
	"more importantly be sure to respond in their own language."

// Config is the root configuration structure for callflow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Turn      TurnConfig      `yaml:"turn"`
	STT       STTConfig       `yaml:"stt"`
	LLM       LLMConfig       `yaml:"llm"`
	Telephony TelephonyConfig `yaml:"telephony"`
}

// ServerConfig holds network, admission and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions caps concurrent calls. 0 means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// CallsPerSecond and CallBurst bound how fast new calls are admitted.
	// 0 disables the limit.
	CallsPerSecond float64 `yaml:"calls_per_second"`
	CallBurst      int     `yaml:"call_burst"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS TTSEntry      `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`

	// Fallbacks are tried in order when the primary provider fails or its
	// circuit is open.
	Fallbacks FallbacksConfig `yaml:"fallbacks"`
}

// FallbacksConfig lists secondary providers per kind.
type FallbacksConfig struct {
	LLM []ProviderEntry `yaml:"llm"`
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "sarvam").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TTSEntry adds voice selection to a ProviderEntry.
type TTSEntry struct {
	ProviderEntry `yaml:",inline"`

	// VoiceID is the default voice (Sarvam speaker, ElevenLabs voice ID).
	VoiceID string `yaml:"voice_id"`

	// Voices maps a language tag ("hi-IN") or base language ("hi") to a
	// voice ID, so replies switch voice with the caller's language.
	Voices map[string]string `yaml:"voices"`

	// Pitch, Pace and Loudness are passed to providers that support them.
	// 0 leaves the provider default.
	Pitch    float64 `yaml:"pitch"`
	Pace     float64 `yaml:"pace"`
	Loudness float64 `yaml:"loudness"`

	// SampleRate is the rate requested from the provider. Audio is converted
	// to pipeline.out_sample_rate either way.
	SampleRate int `yaml:"sample_rate"`
}

// PipelineConfig holds the per-session parameters.
type PipelineConfig struct {
	// InSampleRate and OutSampleRate are fixed at 8000 for telephony.
	InSampleRate  int `yaml:"in_sample_rate"`
	OutSampleRate int `yaml:"out_sample_rate"`

	// EnableMetrics gates latency metrics; EnableUsageMetrics gates usage
	// counters. Both default to true.
	EnableMetrics      *bool `yaml:"enable_metrics"`
	EnableUsageMetrics *bool `yaml:"enable_usage_metrics"`

	// DefaultLanguage tags transcripts and replies whose language is unknown.
	DefaultLanguage string `yaml:"default_language"`

	// SystemPrompt seeds every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// QueueSize bounds the hand-off queue between stages.
	QueueSize int `yaml:"queue_size"`

	// DrainGrace bounds how long a cancelled session waits for in-flight frames.
	DrainGrace time.Duration `yaml:"drain_grace"`
}

// TurnConfig controls turn detection sensitivity.
type TurnConfig struct {
	// StopSilence is the trailing silence that makes a turn end a candidate.
	StopSilence time.Duration `yaml:"stop_silence"`

	// MaxPause ends a turn regardless of the classifier.
	MaxPause time.Duration `yaml:"max_pause"`

	// MaxTurn force-closes very long turns.
	MaxTurn time.Duration `yaml:"max_turn"`

	// SpeechThreshold and SilenceThreshold are the VAD hysteresis bounds.
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SmartTurn enables the end-of-turn classifier. Defaults to true.
	SmartTurn *bool `yaml:"smart_turn"`
}

// STTConfig controls the speech-to-text stage.
type STTConfig struct {
	// Language is the hint passed to the provider. Empty or "unknown" asks
	// for automatic language identification.
	Language string `yaml:"language"`

	// PreRoll is the audio kept from before speech-started.
	PreRoll time.Duration `yaml:"pre_roll"`

	// Timeout bounds one transcription, retries included.
	Timeout time.Duration `yaml:"timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// LLMConfig controls reply generation.
type LLMConfig struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// MaxContextTokens bounds the history sent per request. 0 derives it from
	// the model's context window.
	MaxContextTokens int `yaml:"max_context_tokens"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of transient provider errors.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// TelephonyConfig holds carrier credentials and webhook settings.
type TelephonyConfig struct {
	// AccountSID and AuthToken are the Twilio credentials.
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// StreamURL is the public wss:// URL of the media stream endpoint. When
	// empty it is derived from the webhook request's host.
	StreamURL string `yaml:"stream_url"`

	// ValidateSignature rejects webhooks without a valid X-Twilio-Signature.
	ValidateSignature bool `yaml:"validate_signature"`

	// AutoHangUp completes the call through the REST API when the session
	// ends from our side.
	AutoHangUp bool `yaml:"auto_hang_up"`
}

// Bool returns *p, or def when p is nil.
func Bool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
