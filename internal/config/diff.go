package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; they take effect
// for sessions started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	VoiceChanged        bool // voice_id, voices, pitch, pace or loudness
	TurnChanged         bool // turn detection sensitivity
	LanguageChanged     bool // pipeline.default_language or stt.language

	// RestartRequired lists changed fields that only apply after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged || d.TurnChanged || d.LanguageChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SystemPromptChanged = old.Pipeline.SystemPrompt != new.Pipeline.SystemPrompt
	d.VoiceChanged = !voiceEqual(old.Providers.TTS, new.Providers.TTS)
	d.TurnChanged = !turnEqual(old.Turn, new.Turn)
	d.LanguageChanged = old.Pipeline.DefaultLanguage != new.Pipeline.DefaultLanguage ||
		old.STT.Language != new.STT.Language

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !entryEqual(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !entryEqual(old.Providers.STT, new.Providers.STT) {
		d.RestartRequired = append(d.RestartRequired, "providers.stt")
	}
	if !entryEqual(old.Providers.TTS.ProviderEntry, new.Providers.TTS.ProviderEntry) {
		d.RestartRequired = append(d.RestartRequired, "providers.tts")
	}
	if old.Telephony != new.Telephony {
		d.RestartRequired = append(d.RestartRequired, "telephony")
	}
	return d
}

func voiceEqual(a, b TTSEntry) bool {
	return a.VoiceID == b.VoiceID &&
		a.Pitch == b.Pitch &&
		a.Pace == b.Pace &&
		a.Loudness == b.Loudness &&
		maps.Equal(a.Voices, b.Voices)
}

func turnEqual(a, b TurnConfig) bool {
	return a.StopSilence == b.StopSilence &&
		a.MaxPause == b.MaxPause &&
		a.MaxTurn == b.MaxTurn &&
		a.SpeechThreshold == b.SpeechThreshold &&
		a.SilenceThreshold == b.SilenceThreshold &&
		Bool(a.SmartTurn, true) == Bool(b.SmartTurn, true)
}

// entryEqual ignores Options, which may hold unhashable values.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
