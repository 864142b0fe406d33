package llm

import (
	"strings"
	"sync"
)

const DefaultMaxHistory = 10

// Conversation keeps the bounded turn history for one session.
type Conversation struct {
	mu           sync.Mutex
	systemPrompt string
	maxHistory   int
	messages     []Message
}

func NewConversation(systemPrompt string, maxHistory int) *Conversation {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Conversation{systemPrompt: systemPrompt, maxHistory: maxHistory}
}

// Append records a message, trimming the oldest ones past the limit.
func (c *Conversation) Append(role Role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: role, Content: content})
	if over := len(c.messages) - c.maxHistory; over > 0 {
		c.messages = append([]Message(nil), c.messages[over:]...)
	}
}

// Context builds a generation input with userText as the newest message.
// The user message is not recorded; callers Append it once the turn succeeds.
func (c *Conversation) Context(userText string) Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]Message, 0, len(c.messages)+1)
	msgs = append(msgs, c.messages...)
	if strings.TrimSpace(userText) != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: strings.TrimSpace(userText)})
	}
	return Context{SystemPrompt: c.systemPrompt, Messages: msgs}
}

func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Reset() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}
