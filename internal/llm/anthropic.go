package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	antoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider uses the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    Config
}

func NewAnthropic(cfg Config) *AnthropicProvider {
	cfg = cfg.withDefaults(AnthropicModel)
	opts := []antoption.RequestOption{
		antoption.WithAPIKey(cfg.APIKey),
		antoption.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, antoption.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: p.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", upstream(ctx, p.Name(), err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", emptyReply(p.Name())
	}
	return text, nil
}
