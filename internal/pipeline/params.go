package pipeline

import "time"

// Defaults applied by [Params.WithDefaults].
const (
	DefaultSampleRate = 8000
	DefaultQueueSize  = 64
	DefaultDrainGrace = 2 * time.Second
)

// Params is the immutable configuration snapshot of one session. It is
// copied into the Task at construction and never changes afterwards.
type Params struct {
	// InSampleRate and OutSampleRate are the PCM rates of the inbound and
	// outbound audio. Telephony runs at 8 kHz in both directions.
	InSampleRate  int
	OutSampleRate int

	// EnableMetrics gates per-stage latency and time-to-first-byte recording.
	EnableMetrics bool

	// EnableUsageMetrics gates usage counters (audio seconds, tokens, characters).
	EnableUsageMetrics bool

	// DefaultLanguage is the BCP-47 tag used when no language was detected.
	DefaultLanguage string

	// QueueSize bounds every hand-off queue between stages.
	QueueSize int

	// DrainGrace bounds how long a cancelled task waits for in-flight frames.
	DrainGrace time.Duration
}

// DefaultParams returns telephony defaults with metrics enabled.
func DefaultParams() Params {
	return Params{
		InSampleRate:       DefaultSampleRate,
		OutSampleRate:      DefaultSampleRate,
		EnableMetrics:      true,
		EnableUsageMetrics: true,
		DefaultLanguage:    "ta-IN",
		QueueSize:          DefaultQueueSize,
		DrainGrace:         DefaultDrainGrace,
	}
}

// WithDefaults fills zero fields with the package defaults.
func (p Params) WithDefaults() Params {
	if p.InSampleRate <= 0 {
		p.InSampleRate = DefaultSampleRate
	}
	if p.OutSampleRate <= 0 {
		p.OutSampleRate = DefaultSampleRate
	}
	if p.QueueSize <= 0 {
		p.QueueSize = DefaultQueueSize
	}
	if p.DrainGrace <= 0 {
		p.DrainGrace = DefaultDrainGrace
	}
	return p
}
