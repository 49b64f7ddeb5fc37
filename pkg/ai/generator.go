package ai

import (
	"context"
	"fmt"
	"strings"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a multi-turn conversation.
type Turn struct {
	Role Role
	Text string
}

// Options tunes a single generation call. Zero values leave the provider default.
type Options struct {
	Temperature float32
	MaxTokens   int
	TopP        float32
	TopK        int
}

// TextGenerator produces the next assistant turn for a conversation.
// All providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt string, turns []Turn, opts Options) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewGenerator builds the TextGenerator named by cfg.Provider.
func NewGenerator(cfg Config) (TextGenerator, error) {
	model := strings.TrimSpace(cfg.Model)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, model), nil
	case "ollama":
		return NewOllamaGenerator(cfg.BaseURL, model), nil
	case "openai", "openai-compat":
		return NewOpenAIGenerator(cfg.BaseURL, cfg.APIKey, model)
	default:
		return nil, fmt.Errorf("unsupported generation provider: %s", cfg.Provider)
	}
}

func lastTurnIsUser(turns []Turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("conversation is empty")
	}
	if turns[len(turns)-1].Role != RoleUser {
		return fmt.Errorf("conversation must end with a user turn")
	}
	return nil
}
