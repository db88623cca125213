package turn

import (
	"time"

	"github.com/MrWong99/callflow/pkg/audio"
)

// Prediction is a Classifier verdict.
type Prediction struct {
	Complete    bool
	Probability float64
}

// Classifier decides whether a paused utterance is finished. The detector
// feeds it every chunk of the open turn and asks for a verdict once the
// trailing silence reaches the stop threshold.
type Classifier interface {
	// Append adds one chunk of the open turn. speech is the VAD decision.
	Append(pcm []byte, speech bool)

	// Predict returns the verdict after trailing of silence.
	Predict(trailing time.Duration) Prediction

	// Reset clears state for the next turn.
	Reset()
}

// Defaults for PauseClassifier.
const (
	DefaultMinSpeech  = 600 * time.Millisecond
	DefaultTailWindow = 200 * time.Millisecond
	DefaultTailRatio  = 0.6
)

// PauseClassifier is an energy-contour end-of-turn heuristic. Speakers
// usually trail off at the end of an utterance and hold their level through a
// mid-sentence breath, so a turn is complete when the last TailWindow of
// speech is quieter than TailRatio times the turn's mean speech level. Very
// short utterances ("yes", "hello") are always complete.
type PauseClassifier struct {
	SampleRate int
	MinSpeech  time.Duration
	TailWindow time.Duration
	TailRatio  float64

	frames   []energyFrame
	speech   time.Duration
	weighted float64
}

type energyFrame struct {
	rms float64
	dur time.Duration
}

// NewPauseClassifier returns a PauseClassifier with default tuning.
func NewPauseClassifier(sampleRate int) *PauseClassifier {
	return &PauseClassifier{
		SampleRate: sampleRate,
		MinSpeech:  DefaultMinSpeech,
		TailWindow: DefaultTailWindow,
		TailRatio:  DefaultTailRatio,
	}
}

// Append implements Classifier.
func (c *PauseClassifier) Append(pcm []byte, speech bool) {
	if !speech {
		return
	}
	d := audio.Format{SampleRate: c.SampleRate, Channels: 1}.Duration(pcm)
	if d <= 0 {
		return
	}
	rms := audio.RMS(pcm)
	c.frames = append(c.frames, energyFrame{rms: rms, dur: d})
	c.speech += d
	c.weighted += rms * d.Seconds()
}

// Predict implements Classifier.
func (c *PauseClassifier) Predict(time.Duration) Prediction {
	if c.speech < c.MinSpeech {
		return Prediction{Complete: true, Probability: 1}
	}
	mean := c.weighted / c.speech.Seconds()
	if mean <= 0 {
		return Prediction{Complete: true, Probability: 1}
	}

	var tailDur time.Duration
	var tailSum float64
	for i := len(c.frames) - 1; i >= 0 && tailDur < c.TailWindow; i-- {
		f := c.frames[i]
		tailDur += f.dur
		tailSum += f.rms * f.dur.Seconds()
	}
	tail := tailSum / tailDur.Seconds()

	ratio := tail / mean
	p := 1 - ratio
	if p < 0 {
		p = 0
	}
	return Prediction{Complete: ratio < c.TailRatio, Probability: p}
}

// Reset implements Classifier.
func (c *PauseClassifier) Reset() {
	c.frames = c.frames[:0]
	c.speech = 0
	c.weighted = 0
}

var _ Classifier = (*PauseClassifier)(nil)
