package convo_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/callflow/internal/convo"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/llm"
)

func final(text, lang string, id uint64) frame.TranscriptText {
	return frame.TranscriptText{Text: text, Language: lang, IsFinal: true, TurnID: id}
}

func reply(id uint64, parts ...string) []frame.Frame {
	var out []frame.Frame
	for _, p := range parts {
		out = append(out, frame.LLMTextDelta{Text: p, ReplyID: id})
	}
	return append(out, frame.LLMTextDelta{IsFinal: true, ReplyID: id})
}

func TestNewContext_SeedsOneSystemMessage(t *testing.T) {
	t.Parallel()
	c := convo.NewContext("be brief")
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleSystem || msgs[0].Content != "be brief" {
		t.Errorf("messages = %+v", msgs)
	}
	msgs[0].Content = "mutated"
	if c.Messages()[0].Content != "be brief" {
		t.Error("Messages must return a copy")
	}
}

func TestUserHalf_AppendsFinalTranscripts(t *testing.T) {
	t.Parallel()

	c := convo.NewContext("sys")
	p := convo.NewPair(c, nil)

	in := make(chan frame.Frame, 4)
	in <- frame.TranscriptText{Text: "hel", IsFinal: false, TurnID: 1}
	in <- frame.TranscriptText{Text: "  ", IsFinal: true, TurnID: 1}
	in <- final("hello", "en", 1)
	close(in)
	out := make(chan frame.Frame, 8)
	if err := p.User().Process(context.Background(), in, out); err != nil {
		t.Fatalf("Process: %v", err)
	}
	close(out)

	var snaps []frame.LLMContext
	n := 0
	for f := range out {
		n++
		if s, ok := f.(frame.LLMContext); ok {
			snaps = append(snaps, s)
		}
	}
	if n != 4 {
		t.Errorf("frames: want 3 transcripts + 1 context, got %d", n)
	}
	if len(snaps) != 1 {
		t.Fatalf("contexts: want 1, got %d", len(snaps))
	}
	s := snaps[0]
	if s.Language != "en" || s.TurnID != 1 || len(s.Messages) != 2 || s.Messages[1] != (llm.Message{Role: llm.RoleUser, Content: "hello"}) {
		t.Errorf("snapshot = %+v", s)
	}
	if c.Len() != 2 {
		t.Errorf("context length: want 2, got %d", c.Len())
	}
}

func TestAssistantHalf_ConcatenatesDeltas(t *testing.T) {
	t.Parallel()

	c := convo.NewContext("sys")
	p := convo.NewPair(c, nil)

	frames := reply(1, "hi", " there")
	frames = append(frames, frame.LLMTextDelta{Text: "partial", ReplyID: 2}, frame.LLMTextDelta{IsFinal: true, Aborted: true, ReplyID: 2})
	in := make(chan frame.Frame, len(frames))
	for _, f := range frames {
		in <- f
	}
	close(in)
	out := make(chan frame.Frame, len(frames))
	if err := p.Assistant().Process(context.Background(), in, out); err != nil {
		t.Fatalf("Process: %v", err)
	}
	close(out)

	if len(out) != len(frames) {
		t.Errorf("every delta must be forwarded: want %d, got %d", len(frames), len(out))
	}
	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages: want system + 1 reply, got %+v", msgs)
	}
	if msgs[1] != (llm.Message{Role: llm.RoleAssistant, Content: "hi there"}) {
		t.Errorf("reply = %+v", msgs[1])
	}
}

// TestPair_Alternates checks that a second transcript is held until the reply
// to the first one has been recorded.
func TestPair_Alternates(t *testing.T) {
	t.Parallel()

	c := convo.NewContext("sys")
	p := convo.NewPair(c, nil)
	ctx := context.Background()

	userIn := make(chan frame.Frame)
	userOut := make(chan frame.Frame, 16)
	asstIn := make(chan frame.Frame)
	asstOut := make(chan frame.Frame, 16)
	go func() { _ = p.User().Process(ctx, userIn, userOut) }()
	go func() { _ = p.Assistant().Process(ctx, asstIn, asstOut) }()
	defer close(userIn)
	defer close(asstIn)

	userIn <- final("one", "en", 1)
	userIn <- final("two", "en", 2)

	waitLen := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for c.Len() < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if c.Len() != n {
			t.Fatalf("context length: want %d, got %d", n, c.Len())
		}
	}

	waitLen(2)
	time.Sleep(20 * time.Millisecond)
	if c.Len() != 2 {
		t.Fatal("second user message appended before the first reply finished")
	}

	for _, f := range reply(1, "reply one") {
		asstIn <- f
	}
	waitLen(4)
	for _, f := range reply(2, "reply two") {
		asstIn <- f
	}
	waitLen(5)

	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "reply one"},
		{Role: llm.RoleUser, Content: "two"},
		{Role: llm.RoleAssistant, Content: "reply two"},
	}
	got := c.Messages()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: want %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestUserHalf_CancelWhileWaiting(t *testing.T) {
	t.Parallel()

	c := convo.NewContext("sys")
	p := convo.NewPair(c, nil)
	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan frame.Frame, 2)
	in <- final("one", "en", 1)
	in <- final("two", "en", 2)
	close(in)
	out := make(chan frame.Frame, 8)

	done := make(chan struct{})
	go func() {
		_ = p.User().Process(ctx, in, out)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("user half did not return after cancel")
	}
	if c.Len() != 2 {
		t.Errorf("context length: want 2, got %d", c.Len())
	}
}
