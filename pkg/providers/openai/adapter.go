package openai

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

// Config is shared by the chat, transcription and speech adapters.
type Config struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	// Model is the chat model.
	Model           string        `mapstructure:"model"`
	TranscribeModel string        `mapstructure:"transcribe_model"`
	SpeechModel     string        `mapstructure:"speech_model"`
	Voice           string        `mapstructure:"voice"`
	Language        string        `mapstructure:"language"`
	Temperature     float32       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ReplyConfidence float64       `mapstructure:"reply_confidence"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = goopenai.GPT4oMini
	}
	if c.TranscribeModel == "" {
		c.TranscribeModel = goopenai.Whisper1
	}
	if c.SpeechModel == "" {
		c.SpeechModel = string(goopenai.TTSModel1)
	}
	if c.Voice == "" {
		c.Voice = string(goopenai.VoiceNova)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 200
	}
	if c.ReplyConfidence <= 0 {
		c.ReplyConfidence = 0.9
	}
	return c
}

func newClient(cfg Config) *goopenai.Client {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return goopenai.NewClientWithConfig(clientCfg)
}

// classify maps client errors onto the gateway's error taxonomy.
func classify(err error, reason errorsx.ReasonCode) error {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: err.Error()}
	}
	return errorsx.Wrap(err, reason)
}

// Generator produces replies with the chat completions API.
type Generator struct {
	cfg    Config
	client *goopenai.Client
	logger *slog.Logger
}

func NewGenerator(cfg Config, logger *slog.Logger) *Generator {
	cfg = cfg.withDefaults()
	return &Generator{
		cfg:    cfg,
		client: newClient(cfg),
		logger: logging.NewComponentLogger(logger, "openai_llm"),
	}
}

func (g *Generator) Name() string { return "openai" }

func (g *Generator) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    toMessages(input),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		g.logger.Warn("openai_chat_failed", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
		return llm.Response{}, classify(err, errorsx.ReasonLLMGenerate)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errorsx.New(errorsx.ReasonLLMGenerate, "openai chat completion: no choices")
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return llm.Response{}, errorsx.New(errorsx.ReasonLLMGenerate, "openai chat completion: empty reply")
	}
	g.logger.Debug("openai_chat_completed",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("total_tokens", resp.Usage.TotalTokens))
	return llm.Response{
		Text:         text,
		Confidence:   g.cfg.ReplyConfidence,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toMessages(input llm.Context) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(input.Messages)+1)
	if input.SystemPrompt != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: input.SystemPrompt})
	}
	for _, m := range input.Messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case llm.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case llm.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

var _ llm.Generator = (*Generator)(nil)
