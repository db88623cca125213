package llm

import (
	"context"
	"errors"
	"testing"
)

func TestStream_TextThenFinish(t *testing.T) {
	s, ch := NewStream(context.Background())
	go func() {
		s.Text("Hello")
		s.Text("")
		s.Text(", caller")
		s.Finish("length")
		s.Finish("")
		s.SetUsage(Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15})
		s.Close(nil)
	}()

	got := collect(ch)
	if len(got) != 3 {
		t.Fatalf("chunks = %+v, want 2 deltas and a final chunk", got)
	}
	if got[0].Text != "Hello" || got[1].Text != ", caller" {
		t.Errorf("deltas = %q %q", got[0].Text, got[1].Text)
	}
	last := got[2]
	if last.FinishReason != "length" || last.Usage == nil || last.Usage.TotalTokens != 15 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestStream_DefaultsToStop(t *testing.T) {
	s, ch := NewStream(context.Background())
	go s.Close(nil)

	got := collect(ch)
	if len(got) != 1 || got[0].FinishReason != "stop" || got[0].Usage != nil {
		t.Errorf("chunks = %+v, want a single stop chunk", got)
	}
}

func TestStream_CloseWithError(t *testing.T) {
	s, ch := NewStream(context.Background())
	cause := errors.New("connection reset")
	go func() {
		s.Text("partial")
		s.Finish("stop")
		s.Close(cause)
	}()

	got := collect(ch)
	last := got[len(got)-1]
	if last.FinishReason != FinishError || !errors.Is(last.Err, cause) {
		t.Errorf("final chunk = %+v, want FinishError with cause", last)
	}
}

func TestStream_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, ch := NewStream(ctx)
	cancel()

	if s.Text("late") {
		// A buffered send may still win the select; either way Close must
		// not emit a final chunk.
		<-ch
	}
	s.Close(nil)
	if got := collect(ch); len(got) != 0 {
		t.Errorf("chunks after cancel = %+v, want none", got)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantOutput int
	}{
		{"gpt-4.1-mini", 1_047_576, 32_768},
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4", 8_192, 4_096},
		{"o3-mini", 200_000, 100_000},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"llama-3.1-8b-instant", 131_072, 8_192},
		{"some-unknown-model", DefaultCapabilities.ContextWindow, DefaultCapabilities.MaxOutputTokens},
	}
	for _, tt := range tests {
		got := CapabilitiesFor(tt.model)
		if got.ContextWindow != tt.wantWindow || got.MaxOutputTokens != tt.wantOutput {
			t.Errorf("CapabilitiesFor(%q) = %+v, want %d/%d", tt.model, got, tt.wantWindow, tt.wantOutput)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	got := EstimateTokens([]Message{
		{Role: RoleSystem, Content: ""},
		{Role: RoleUser, Content: "12345678"},
	})
	if got != 4+6 {
		t.Errorf("EstimateTokens = %d, want 10", got)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func collect(ch <-chan Chunk) []Chunk {
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}
