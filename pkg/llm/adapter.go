package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Context is the full prompt for one generation.
type Context struct {
	SystemPrompt string
	Messages     []Message
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Confidence   float64
	Usage        Usage
	FinishReason string
}

// Generator produces the bot's reply text for a conversation.
type Generator interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Name() string
}
