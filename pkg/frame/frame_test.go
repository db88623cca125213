package frame_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/callflow/pkg/frame"
)

func TestKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    frame.Frame
		want string
	}{
		{frame.AudioChunk{}, "audio"},
		{frame.TranscriptText{}, "transcript"},
		{frame.LLMTextDelta{}, "llm-delta"},
		{frame.ControlSignal{}, "control"},
		{frame.TurnSignal{}, "turn"},
		{frame.LLMContext{}, "llm-context"},
	}
	for _, tc := range tests {
		if got := tc.f.Kind(); got != tc.want {
			t.Errorf("Kind() = %q, want %q", got, tc.want)
		}
	}
}

func TestError(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	sig := frame.Error("stt", cause)
	if sig.Signal != frame.ControlError || sig.Stage != "stt" || !errors.Is(sig.Err, cause) {
		t.Errorf("Error() = %+v", sig)
	}
	if frame.ControlCancel.String() != "cancel" {
		t.Errorf("ControlCancel.String() = %q", frame.ControlCancel.String())
	}
	if frame.SpeechEnded.String() != "speech-ended" {
		t.Errorf("SpeechEnded.String() = %q", frame.SpeechEnded.String())
	}
}
