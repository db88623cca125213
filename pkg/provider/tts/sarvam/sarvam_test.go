package sarvam_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/provider"
	"github.com/MrWong99/callflow/pkg/provider/tts"
	"github.com/MrWong99/callflow/pkg/provider/tts/sarvam"
)

type captured struct {
	Text               string   `json:"text"`
	TargetLanguageCode string   `json:"target_language_code"`
	Speaker            string   `json:"speaker"`
	Pitch              *float64 `json:"pitch"`
	SpeechSampleRate   int      `json:"speech_sample_rate"`
	Model              string   `json:"model"`
}

func TestSynthesizeStream_OneRequestPerFragment(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var reqs []captured
	wav := base64.StdEncoding.EncodeToString(audio.EncodeWAV(make([]byte, 320), audio.Telephony))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech" || r.Header.Get("api-subscription-key") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var c captured
		_ = json.NewDecoder(r.Body).Decode(&c)
		mu.Lock()
		reqs = append(reqs, c)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"request_id":"r","audios":["` + wav + `"]}`))
	}))
	defer srv.Close()

	p, err := sarvam.New("secret", sarvam.WithBaseURL(srv.URL), sarvam.WithModel("bulbul:v2"))
	if err != nil {
		t.Fatal(err)
	}
	text := make(chan string, 3)
	text <- "Hello there. "
	text <- "  "
	text <- "How are you?"
	close(text)

	out, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "anushka", Language: "en-IN", Pitch: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	var got []tts.Audio
	for a := range out {
		got = append(got, a)
	}
	if len(got) != 2 {
		t.Fatalf("audio chunks = %d, want 2", len(got))
	}
	for i, a := range got {
		if a.Err != nil || len(a.PCM) != 320 || a.SampleRate != 8000 {
			t.Errorf("chunk %d = %d bytes @ %d Hz (err %v), want 320 @ 8000", i, len(a.PCM), a.SampleRate, a.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].Text != "Hello there. " || reqs[1].Text != "How are you?" {
		t.Errorf("texts = %q, %q", reqs[0].Text, reqs[1].Text)
	}
	r := reqs[0]
	if r.TargetLanguageCode != "en-IN" || r.Speaker != "anushka" || r.Model != "bulbul:v2" || r.SpeechSampleRate != 8000 {
		t.Errorf("request = %+v", r)
	}
	if r.Pitch == nil || *r.Pitch != 0.5 {
		t.Errorf("pitch = %v, want 0.5", r.Pitch)
	}
}

func TestSynthesizeStream_ErrorEndsStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := sarvam.New("k", sarvam.WithBaseURL(srv.URL))
	text := make(chan string, 2)
	text <- "one."
	text <- "two."
	close(text)
	out, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{Language: "ta-IN"})
	if err != nil {
		t.Fatal(err)
	}
	var got []tts.Audio
	for a := range out {
		got = append(got, a)
	}
	if len(got) != 1 || got[0].Err == nil {
		t.Fatalf("got %+v, want a single error", got)
	}
	if provider.IsTransient(got[0].Err) {
		t.Error("400 should be permanent")
	}
}

func TestSynthesizeStream_RequiresLanguage(t *testing.T) {
	t.Parallel()
	p, _ := sarvam.New("k")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Error("expected error without language")
	}
}
