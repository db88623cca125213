package convo

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/callflow/internal/pipeline"
	"github.com/MrWong99/callflow/pkg/frame"
	"github.com/MrWong99/callflow/pkg/provider/llm"
)

// Stage names of the two halves.
const (
	UserStageName      = "context.user"
	AssistantStageName = "context.assistant"
)

// Pair is the single writer of a Context. Its two halves run as separate
// pipeline stages on either side of the dialogue stage.
//
// An exchange starts when the user half appends a user message and ends when
// the assistant half sees the final delta of the reply. The user half holds
// the next transcript until the current exchange has ended.
type Pair struct {
	ctx *Context
	log *slog.Logger

	// exchange holds a token while a reply is outstanding.
	exchange chan struct{}

	// mu serialises appends from both halves.
	mu sync.Mutex
}

// NewPair returns the pair writing to c.
func NewPair(c *Context, log *slog.Logger) *Pair {
	if log == nil {
		log = slog.Default()
	}
	return &Pair{
		ctx:      c,
		log:      log,
		exchange: make(chan struct{}, 1),
	}
}

// Context returns the history the pair writes to.
func (p *Pair) Context() *Context { return p.ctx }

// User returns the stage that appends final transcripts and emits the
// resulting LLMContext snapshot.
func (p *Pair) User() pipeline.Stage { return userHalf{p} }

// Assistant returns the stage that appends completed replies.
func (p *Pair) Assistant() pipeline.Stage { return assistantHalf{p} }

func (p *Pair) appendMessage(role, content string) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx.append(role, content)
}

// beginExchange blocks until no reply is outstanding.
func (p *Pair) beginExchange(ctx context.Context) bool {
	select {
	case p.exchange <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pair) endExchange() {
	select {
	case <-p.exchange:
	default:
	}
}

type userHalf struct{ p *Pair }

func (userHalf) Name() string { return UserStageName }

func (u userHalf) Process(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	for f := range in {
		t, ok := f.(frame.TranscriptText)
		if !ok {
			out <- f
			continue
		}
		out <- f
		text := strings.TrimSpace(t.Text)
		if !t.IsFinal || text == "" {
			continue
		}
		if !u.p.beginExchange(ctx) {
			u.p.log.Debug("convo: session cancelled, transcript not recorded", "turn_id", t.TurnID)
			continue
		}
		msgs := u.p.appendMessage(llm.RoleUser, text)
		out <- frame.LLMContext{Messages: msgs, Language: t.Language, TurnID: t.TurnID}
	}
	return nil
}

type assistantHalf struct{ p *Pair }

func (assistantHalf) Name() string { return AssistantStageName }

func (a assistantHalf) Process(_ context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	var (
		buf     strings.Builder
		replyID uint64
	)
	for f := range in {
		d, ok := f.(frame.LLMTextDelta)
		if !ok {
			out <- f
			continue
		}
		if d.ReplyID != replyID {
			buf.Reset()
			replyID = d.ReplyID
		}
		buf.WriteString(d.Text)
		out <- f
		if !d.IsFinal {
			continue
		}
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		switch {
		case d.Aborted:
			a.p.log.Debug("convo: reply aborted, not recorded", "reply_id", d.ReplyID)
		case text == "":
			a.p.log.Debug("convo: empty reply, not recorded", "reply_id", d.ReplyID)
		default:
			a.p.appendMessage(llm.RoleAssistant, text)
		}
		a.p.endExchange()
	}
	return nil
}
