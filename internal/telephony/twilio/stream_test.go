package twilio_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callflow/internal/telephony/twilio"
	"github.com/MrWong99/callflow/pkg/audio"
	"github.com/MrWong99/callflow/pkg/transport"
)

const startMsg = `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{
	"streamSid":"MZ1","accountSid":"AC1","callSid":"CA1","tracks":["inbound"],
	"customParameters":{"from":"+15550001"},
	"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`

func TestStream_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, client, runErr := dialStream(t)

	writeText(ctx, t, client, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	writeText(ctx, t, client, startMsg)

	ev := nextEvent(t, s)
	if ev.Type != transport.Connected {
		t.Fatalf("first event = %v, want connected", ev.Type)
	}
	info := s.Info()
	if info.StreamSID != "MZ1" || info.CallSID != "CA1" || info.AccountSID != "AC1" {
		t.Errorf("Info() = %+v", info)
	}
	if info.Parameters["from"] != "+15550001" {
		t.Errorf("custom parameter from = %q", info.Parameters["from"])
	}

	ulaw := audio.EncodeMulaw(tone(4000, 160))
	writeText(ctx, t, client, `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"1","timestamp":"20","payload":"`+
		base64.StdEncoding.EncodeToString(ulaw)+`"}}`)
	select {
	case pcm := <-s.Inbound():
		if len(pcm) != 320 {
			t.Errorf("inbound pcm = %d bytes, want 320", len(pcm))
		}
	case <-ctx.Done():
		t.Fatal("no inbound audio")
	}

	writeText(ctx, t, client, `{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`)
	if err := <-runErr; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	ev = nextEvent(t, s)
	if ev.Type != transport.Disconnected || ev.Err != nil {
		t.Errorf("last event = %+v, want clean disconnect", ev)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("events channel not closed")
	}
	if _, ok := <-s.Inbound(); ok {
		t.Error("inbound channel not closed")
	}
}

func TestStream_SendFramesMedia(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, client, _ := dialStream(t)

	writeText(ctx, t, client, startMsg)
	nextEvent(t, s)

	// 50 ms of audio: two full 20 ms frames and a 10 ms remainder.
	if err := s.Send(ctx, tone(1000, 400)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wantSizes := []int{160, 160, 80}
	for i, want := range wantSizes {
		msg := readMessage(ctx, t, client)
		if msg.Event != "media" || msg.StreamSid != "MZ1" {
			t.Fatalf("message %d = %+v", i, msg)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			t.Fatalf("message %d payload: %v", i, err)
		}
		if len(payload) != want {
			t.Errorf("message %d payload = %d bytes, want %d", i, len(payload), want)
		}
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if msg := readMessage(ctx, t, client); msg.Event != "clear" || msg.StreamSid != "MZ1" {
		t.Errorf("clear message = %+v", msg)
	}

	if err := s.Mark(ctx, "reply-1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if msg := readMessage(ctx, t, client); msg.Event != "mark" || msg.Mark.Name != "reply-1" {
		t.Errorf("mark message = %+v", msg)
	}
}

func TestStream_SendBeforeStart(t *testing.T) {
	t.Parallel()
	s, _, _ := dialStream(t)

	err := s.Send(context.Background(), tone(1000, 160))
	var te *transport.Error
	if !errors.As(err, &te) {
		t.Fatalf("Send() = %v, want *transport.Error", err)
	}
}

func TestStream_AbruptClose(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, client, runErr := dialStream(t)

	writeText(ctx, t, client, startMsg)
	nextEvent(t, s)
	client.CloseNow()

	var te *transport.Error
	if err := <-runErr; !errors.As(err, &te) {
		t.Fatalf("Run() = %v, want *transport.Error", err)
	}
	ev := nextEvent(t, s)
	if ev.Type != transport.Disconnected || ev.Err == nil {
		t.Errorf("event = %+v, want disconnect with error", ev)
	}
}

func TestStream_CloseFromServer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, client, runErr := dialStream(t)

	writeText(ctx, t, client, startMsg)
	nextEvent(t, s)

	go func() {
		for {
			if _, _, err := client.Read(ctx); err != nil {
				return
			}
		}
	}()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	var te *transport.Error
	if err := s.Send(ctx, tone(1000, 160)); !errors.As(err, &te) || !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

type wireMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// dialStream starts a server that wraps every accepted socket in a Stream
// and returns the stream, the client end and the result of Stream.Run.
func dialStream(t *testing.T) (*twilio.Stream, *websocket.Conn, <-chan error) {
	t.Helper()
	streams := make(chan *twilio.Stream, 1)
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s := twilio.NewStream(ws)
		streams <- s
		runErr <- s.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.CloseNow() })

	select {
	case s := <-streams:
		return s, client, runErr
	case <-ctx.Done():
		t.Fatal("server never accepted")
		return nil, nil, nil
	}
}

func writeText(ctx context.Context, t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(ctx context.Context, t *testing.T, c *websocket.Conn) wireMessage {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func nextEvent(t *testing.T, s *twilio.Stream) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

// tone returns samples of 16-bit PCM at a constant amplitude.
func tone(amp int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amp))
	}
	return pcm
}
