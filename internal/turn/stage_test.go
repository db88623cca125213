package turn_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/callflow/internal/turn"
	"github.com/MrWong99/callflow/pkg/frame"
)

func runStage(t *testing.T, s *turn.Stage, in []frame.Frame) []frame.Frame {
	t.Helper()
	inCh := make(chan frame.Frame, len(in))
	for _, f := range in {
		inCh <- f
	}
	close(inCh)
	out := make(chan frame.Frame, len(in)+8)
	if err := s.Process(context.Background(), inCh, out); err != nil {
		t.Fatalf("Process: %v", err)
	}
	close(out)
	var got []frame.Frame
	for f := range out {
		got = append(got, f)
	}
	return got
}

func TestStage_SignalOrdering(t *testing.T) {
	t.Parallel()

	d := turn.NewDetector(energySession(), nil, turn.Config{SampleRate: 8000})
	var in []frame.Frame
	in = append(in, silence(0))
	for _, c := range utterance(3, 10) {
		c.Timestamp += chunkDur
		in = append(in, c)
	}

	got := runStage(t, turn.NewStage(d, nil, nil), in)
	if len(got) != len(in)+2 {
		t.Fatalf("frames: want %d, got %d", len(in)+2, len(got))
	}
	if sig, ok := got[1].(frame.TurnSignal); !ok || sig.Event != frame.SpeechStarted {
		t.Errorf("frame 1: want speech-started, got %#v", got[1])
	}
	if c, ok := got[2].(frame.AudioChunk); !ok || c.Timestamp != chunkDur {
		t.Errorf("frame 2: want the opening chunk, got %#v", got[2])
	}
	last := got[len(got)-1]
	if sig, ok := last.(frame.TurnSignal); !ok || sig.Event != frame.SpeechEnded || sig.Synthetic {
		t.Errorf("last frame: want speech-ended, got %#v", last)
	}
}

func TestStage_FlushBeforeEndSignal(t *testing.T) {
	t.Parallel()

	d := turn.NewDetector(energySession(), nil, turn.Config{SampleRate: 8000})
	in := []frame.Frame{speech(0), speech(chunkDur), frame.ControlSignal{Signal: frame.ControlEnd}}

	got := runStage(t, turn.NewStage(d, nil, nil), in)
	var ended int
	for i, f := range got {
		sig, ok := f.(frame.TurnSignal)
		if !ok || sig.Event != frame.SpeechEnded {
			continue
		}
		ended++
		if !sig.Synthetic {
			t.Error("flushed end must be synthetic")
		}
		if sig.Timestamp != 40*time.Millisecond {
			t.Errorf("flush timestamp: want 40ms, got %v", sig.Timestamp)
		}
		if c, ok := got[i+1].(frame.ControlSignal); !ok || c.Signal != frame.ControlEnd {
			t.Errorf("speech-ended must precede the end signal, next is %#v", got[i+1])
		}
	}
	if ended != 1 {
		t.Errorf("speech-ended count: want exactly 1, got %d", ended)
	}
}

func TestStage_OutOfOrderChunkBecomesError(t *testing.T) {
	t.Parallel()

	d := turn.NewDetector(energySession(), nil, turn.Config{SampleRate: 8000})
	in := []frame.Frame{silence(40 * time.Millisecond), silence(20 * time.Millisecond)}

	got := runStage(t, turn.NewStage(d, nil, nil), in)
	if len(got) != 2 {
		t.Fatalf("frames: want 2, got %d", len(got))
	}
	c, ok := got[1].(frame.ControlSignal)
	if !ok || c.Signal != frame.ControlError || c.Stage != turn.StageName {
		t.Errorf("want error signal from turn stage, got %#v", got[1])
	}
}
