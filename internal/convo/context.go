// Package convo holds the conversation history of a call and the pair of
// pipeline stages that write to it.
//
// [Context] is the ordered message list sent to the LLM. It starts with
// exactly one system message and is only ever appended to through a [Pair]:
// the user half records final transcripts, the assistant half records
// completed replies. The pair lets one exchange finish before the next user
// message is appended, so the history alternates user and assistant messages
// in the order they were finalized.
package convo

import (
	"sync"

	"github.com/MrWong99/callflow/pkg/provider/llm"
)

// Context is the ordered conversation history of one session.
type Context struct {
	mu       sync.RWMutex
	messages []llm.Message
}

// NewContext returns a Context seeded with the system prompt.
func NewContext(systemPrompt string) *Context {
	return &Context{messages: []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}}
}

// Messages returns a copy of the history.
func (c *Context) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages, system message included.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the newest message.
func (c *Context) Last() llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[len(c.messages)-1]
}

// append adds a message and returns a snapshot of the result.
func (c *Context) append(role, content string) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{Role: role, Content: content})
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
