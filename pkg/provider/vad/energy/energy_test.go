package energy_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callflow/pkg/provider/vad"
	"github.com/MrWong99/callflow/pkg/provider/vad/energy"
)

// tone returns a 20 ms 8 kHz frame of alternating ±amp samples.
func tone(amp int16) []byte {
	b := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(vad.Config{SampleRate: 8000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.35})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()
	e := energy.New()
	bad := []vad.Config{
		{SampleRate: 0, SpeechThreshold: 0.5, SilenceThreshold: 0.3},
		{SampleRate: 8000, SpeechThreshold: 0, SilenceThreshold: 0},
		{SampleRate: 8000, SpeechThreshold: 0.5, SilenceThreshold: 0.6},
	}
	for i, cfg := range bad {
		if _, err := e.NewSession(cfg); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

func TestProcessFrame_Hysteresis(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	loud, quiet := tone(8000), tone(0)

	want := []struct {
		frame []byte
		typ   vad.EventType
	}{
		{quiet, vad.Silence},
		{loud, vad.Silence}, // first speech frame only arms the start counter
		{loud, vad.SpeechStart},
		{loud, vad.SpeechContinue},
		{quiet, vad.SpeechEnd},
		{quiet, vad.Silence},
	}
	for i, w := range want {
		ev, err := s.ProcessFrame(w.frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != w.typ {
			t.Errorf("frame %d: type = %v, want %v", i, ev.Type, w.typ)
		}
	}
}

func TestProbability(t *testing.T) {
	t.Parallel()
	if p := energy.Probability(tone(0), energy.DefaultReference); p != 0 {
		t.Errorf("silence probability = %v, want 0", p)
	}
	if p := energy.Probability(tone(8000), energy.DefaultReference); p < 0.9 {
		t.Errorf("loud probability = %v, want >= 0.9", p)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProcessFrame(tone(0)); err == nil {
		t.Error("expected error after Close")
	}
	if err := s.Close(); err != nil {
		t.Error("second Close should return nil")
	}
}
