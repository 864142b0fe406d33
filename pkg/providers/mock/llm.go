package mock

import (
	"context"
	"errors"

	"github.com/harunnryd/voxbridge/pkg/llm"
)

type LLMConfig struct {
	// ResponseText is returned for every turn. Empty echoes the user text.
	ResponseText string  `mapstructure:"response_text"`
	Confidence   float64 `mapstructure:"confidence"`
	Fail         bool    `mapstructure:"fail"`
}

type Generator struct {
	cfg LLMConfig
}

func NewGenerator(cfg LLMConfig) *Generator {
	return &Generator{cfg: cfg}
}

func (g *Generator) Name() string { return "mock_llm" }

func (g *Generator) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if g.cfg.Fail {
		return llm.Response{}, errors.New("mock generator unavailable")
	}
	text := g.cfg.ResponseText
	if text == "" {
		text = "Entendido."
		if n := len(input.Messages); n > 0 {
			text = "Entendido: " + input.Messages[n-1].Content
		}
	}
	return llm.Response{Text: text, Confidence: g.cfg.Confidence, FinishReason: "stop"}, nil
}

var _ llm.Generator = (*Generator)(nil)
