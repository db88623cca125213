package anyllm

import (
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callflow/pkg/provider/llm"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		vendor  string
		model   string
		opts    []anyllmlib.Option
		wantErr string
	}{
		{name: "anthropic with key", vendor: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{name: "vendor is case insensitive", vendor: "Ollama", model: "llama3.1"},
		{name: "ollama needs no key", vendor: "ollama", model: "llama3"},
		{name: "empty model", vendor: "ollama", wantErr: "model must not be empty"},
		{name: "unknown vendor", vendor: "fakecloud", model: "m", wantErr: `unsupported vendor "fakecloud"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.vendor, tt.model, tt.opts...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("New() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if want := "anyllm/" + strings.ToLower(tt.vendor); p.Name() != want {
				t.Errorf("Name() = %q, want %q", p.Name(), want)
			}
		})
	}
}

func TestBackends(t *testing.T) {
	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends() not sorted: %v", got)
	}
	for _, want := range []string{"anthropic", "gemini", "groq", "llamacpp", "ollama"} {
		if !slices.Contains(got, want) {
			t.Errorf("Backends() missing %q", want)
		}
	}
}

func TestParams(t *testing.T) {
	p := &Provider{vendor: "groq", model: "llama-3.1-8b-instant"}
	params := p.params(llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Be brief."},
			{Role: llm.RoleUser, Content: "Book me for Tuesday."},
			{Role: llm.RoleAssistant, Content: "Morning or afternoon?"},
			{Role: "tool", Content: "odd"},
		},
		Temperature: 0.4,
		MaxTokens:   120,
	})

	if params.Model != "llama-3.1-8b-instant" {
		t.Errorf("Model = %q", params.Model)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	for i, m := range params.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("Temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 120 {
		t.Errorf("MaxTokens = %v", params.MaxTokens)
	}

	bare := p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if bare.Temperature != nil || bare.MaxTokens != nil {
		t.Error("zero temperature and max tokens must be left to the vendor")
	}
}

func TestCapabilitiesAndTokens(t *testing.T) {
	p := &Provider{vendor: "anthropic", model: "claude-3-5-haiku-latest"}
	if got := p.Capabilities().ContextWindow; got != 200_000 {
		t.Errorf("ContextWindow = %d, want 200000", got)
	}
	n, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "12345678"}})
	if err != nil || n != 6 {
		t.Errorf("CountTokens = %d, %v; want 6", n, err)
	}
}
