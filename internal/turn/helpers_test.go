package turn_test

import (
	"encoding/binary"
	"time"

	"github.com/MrWong99/callflow/internal/turn"
	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/vad"
	vadmock "github.com/MrWong99/callflow/pkg/provider/vad/mock"
)

const chunkDur = 20 * time.Millisecond

// tone returns 20 ms of 8 kHz PCM at a constant amplitude.
func tone(amp int16) []byte {
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amp))
	}
	return pcm
}

func speech(ts time.Duration) frame.AudioChunk {
	return frame.AudioChunk{PCM: tone(8000), SampleRate: 8000, Timestamp: ts}
}

func silence(ts time.Duration) frame.AudioChunk {
	return frame.AudioChunk{PCM: tone(0), SampleRate: 8000, Timestamp: ts}
}

// energySession classifies any non-silent frame as speech.
func energySession() *vadmock.Session {
	return &vadmock.Session{Func: func(f []byte) vad.Event {
		if audio.RMS(f) > 0 {
			return vad.Event{Type: vad.SpeechContinue, Probability: 0.9}
		}
		return vad.Event{Type: vad.Silence}
	}}
}

// fixedClassifier always returns the same verdict.
type fixedClassifier struct{ complete bool }

func (fixedClassifier) Append([]byte, bool) {}
func (c fixedClassifier) Predict(time.Duration) turn.Prediction {
	return turn.Prediction{Complete: c.complete}
}
func (fixedClassifier) Reset() {}
