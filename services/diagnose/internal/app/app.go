package app

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"quickfix/pkg/ai"
	"quickfix/pkg/domain"
)

const systemPrompt = `You are QuickFix AI, a vehicle repair assistant for a doorstep repair service. Only answer questions about vehicles and QuickFix.
For a vehicle issue reply with short sections: possible causes, basic safe checks, safety warnings when needed, rough cost in INR, and a recommendation to book a QuickFix service.
For anything else reply that you only answer questions about vehicles and QuickFix.
Keep replies under 150 words.`

// Config wires the generator and call tuning.
type Config struct {
	Generator    ai.TextGenerator
	Options      ai.Options
	Timeout      time.Duration
	HistoryLimit int
}

// App turns a bounded chat history into one diagnostic reply.
type App struct {
	generator    ai.TextGenerator
	options      ai.Options
	timeout      time.Duration
	historyLimit int
}

// New constructs the app.
func New(cfg Config) (*App, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &App{
		generator:    cfg.Generator,
		options:      cfg.Options,
		timeout:      cfg.Timeout,
		historyLimit: cfg.HistoryLimit,
	}, nil
}

// Diagnose filters and truncates messages, calls the generator and returns
// the cleaned reply.
func (a *App) Diagnose(ctx context.Context, messages []domain.Message) (string, error) {
	turns := a.turns(messages)
	if len(turns) == 0 {
		return "", ErrEmptyConversation
	}
	if turns[len(turns)-1].Role != ai.RoleUser {
		return "", ErrNoUserQuery
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	text, err := a.generator.Generate(ctx, systemPrompt, turns, a.options)
	if err != nil {
		slog.Warn("diagnose generation failed", "err", err, "turns", len(turns), "elapsed", time.Since(start))
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	slog.Debug("diagnose generation done", "turns", len(turns), "elapsed", time.Since(start))
	return Clean(text), nil
}

// turns keeps user and assistant messages, the last historyLimit of them,
// and drops leading assistant turns so the conversation opens with the user.
func (a *App) turns(messages []domain.Message) []ai.Turn {
	out := make([]ai.Turn, 0, len(messages))
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case domain.RoleUserMessage:
			out = append(out, ai.Turn{Role: ai.RoleUser, Text: text})
		case domain.RoleAssistantMessage:
			out = append(out, ai.Turn{Role: ai.RoleAssistant, Text: text})
		}
	}
	if len(out) > a.historyLimit {
		out = out[len(out)-a.historyLimit:]
	}
	for len(out) > 0 && out[0].Role != ai.RoleUser {
		out = out[1:]
	}
	return out
}

var (
	emojiPattern   = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{FE0F}]`)
	bulletPattern  = regexp.MustCompile(`(?m)^[ \t]*[-*][ \t]+`)
	newlinePattern = regexp.MustCompile(`\n{3,}`)
)

// Clean strips emoji, normalizes list bullets to "• " and collapses runs of
// blank lines.
func Clean(text string) string {
	text = emojiPattern.ReplaceAllString(text, "")
	text = bulletPattern.ReplaceAllString(text, "• ")
	text = newlinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
