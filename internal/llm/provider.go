// Package llm hides the chat-completion vendors behind a single Provider
// capability. Nothing outside this package imports a vendor SDK.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"socialcal/internal/apperr"
	"socialcal/internal/config"
	appLog "socialcal/internal/log"
)

// Provider completes a single system+user prompt and returns the text reply.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config is shared by every provider constructor.
type Config struct {
	APIKey string
	// BaseURL overrides the vendor endpoint (tests, proxies).
	BaseURL string
	Model   string
	// Timeout bounds one Complete call. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxTokens caps the reply length.
	MaxTokens int64
}

const (
	DefaultTimeout   = 80 * time.Second
	DefaultMaxTokens = 4096

	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	GroqBaseURL   = "https://api.groq.com/openai/v1/"

	OpenAIModel    = "gpt-4o-mini"
	GeminiModel    = "gemini-2.0-flash-lite"
	GroqModel      = "llama3-8b-8192"
	AnthropicModel = "claude-3-5-haiku-latest"
)

// ErrNoProvider is returned when no schema-generation key is configured.
var ErrNoProvider = errors.New("llm: no provider configured")

func (c Config) withDefaults(model string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// FromSettings picks the schema-generation provider: OpenAI, then Gemini,
// then Anthropic.
func FromSettings(s *config.Settings) (Provider, error) {
	timeout := s.Timeouts.LLM
	switch {
	case s.Keys.OpenAI != "":
		return NewOpenAI(Config{APIKey: s.Keys.OpenAI, Timeout: timeout}), nil
	case s.Keys.Gemini != "":
		return NewGemini(Config{APIKey: s.Keys.Gemini, Timeout: timeout}), nil
	case s.Keys.Anthropic != "":
		return NewAnthropic(Config{APIKey: s.Keys.Anthropic, Timeout: timeout}), nil
	}
	return nil, ErrNoProvider
}

// upstream tags a vendor failure. Cancellation keeps its own kind so the
// retry loop stops.
func upstream(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Cancelled, err, provider+" request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Timeout, err, provider+" request timed out")
	}
	appLog.Warn("llm request failed", "provider", provider, "err", err.Error())
	return apperr.Wrap(apperr.UpstreamLLMError, err, provider+" request failed")
}

func emptyReply(provider string) error {
	return apperr.New(apperr.UpstreamLLMError, provider+" returned an empty reply")
}

// ExtractJSON returns the first balanced JSON object or array in a reply,
// tolerating markdown fences and surrounding prose.
func ExtractJSON(reply string) (string, bool) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
