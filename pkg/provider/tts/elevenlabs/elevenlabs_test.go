package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callflow/pkg/provider/tts"
)

func TestParsePCMRate(t *testing.T) {
	tests := []struct {
		format  string
		want    int
		wantErr bool
	}{
		{"pcm_16000", 16000, false},
		{"pcm_8000", 8000, false},
		{"mp3_44100_128", 0, true},
		{"pcm_", 0, true},
	}
	for _, tc := range tests {
		got, err := parsePCMRate(tc.format)
		if (err != nil) != tc.wantErr {
			t.Errorf("parsePCMRate(%q) err = %v, wantErr %v", tc.format, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("parsePCMRate(%q) = %d, want %d", tc.format, got, tc.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
}

func TestBuildURL(t *testing.T) {
	p, err := New("k", WithOutputFormat("pcm_8000"))
	if err != nil {
		t.Fatal(err)
	}
	u := p.buildURL(tts.VoiceProfile{ID: "voice-abc", Language: "hi-IN"})
	for _, want := range []string{
		"wss://api.elevenlabs.io/v1/text-to-speech/voice-abc/stream-input?",
		"model_id=eleven_flash_v2_5",
		"output_format=pcm_8000",
		"language_code=hi",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("url %q missing %q", u, want)
		}
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, _ := New("k")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestSynthesizeStream_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []textMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
			if m.Text == "" {
				audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+audio+`"}`))
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("secret", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 2)
	text <- "Hello there."
	close(text)
	out, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "v1", Language: "en"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var chunks []tts.Audio
	for a := range out {
		chunks = append(chunks, a)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Err != nil {
		t.Fatalf("unexpected stream error: %v", chunks[0].Err)
	}
	if chunks[0].SampleRate != 16000 || len(chunks[0].PCM) != 4 {
		t.Errorf("audio = %d bytes @ %d Hz, want 4 bytes @ 16000 Hz", len(chunks[0].PCM), chunks[0].SampleRate)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("server received %d messages, want 3", len(received))
	}
	if received[0].XiAPIKey != "secret" {
		t.Errorf("BOI api key = %q, want secret", received[0].XiAPIKey)
	}
	if received[1].Text != "Hello there. " {
		t.Errorf("fragment = %q, want %q", received[1].Text, "Hello there. ")
	}
}
