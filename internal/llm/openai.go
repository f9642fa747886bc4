package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go/v3"
	oaioption "github.com/openai/openai-go/v3/option"
)

// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint.
// Gemini and Groq are reached through their compatibility endpoints.
type OpenAIProvider struct {
	name   string
	client openai.Client
	cfg    Config
}

// NewOpenAI returns a provider for api.openai.com.
func NewOpenAI(cfg Config) *OpenAIProvider {
	return newCompatible("openai", cfg.withDefaults(OpenAIModel))
}

// NewGemini returns a provider for Google's OpenAI-compatible endpoint.
func NewGemini(cfg Config) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GeminiBaseURL
	}
	return newCompatible("gemini", cfg.withDefaults(GeminiModel))
}

// NewGroq returns a provider for Groq's OpenAI-compatible endpoint.
func NewGroq(cfg Config) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GroqBaseURL
	}
	return newCompatible("groq", cfg.withDefaults(GroqModel))
}

func newCompatible(name string, cfg Config) *OpenAIProvider {
	opts := []oaioption.RequestOption{
		oaioption.WithAPIKey(cfg.APIKey),
		// Retries are owned by the caller's retry policy.
		oaioption.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, oaioption.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(0.1),
		MaxCompletionTokens: openai.Int(p.cfg.MaxTokens),
	})
	if err != nil {
		return "", upstream(ctx, p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", emptyReply(p.name)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", emptyReply(p.name)
	}
	return text, nil
}
