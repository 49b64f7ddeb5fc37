package ai

import "context"

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based TextGenerator.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiGenerator{client: client, model: model}
}

// Generate implements TextGenerator using Gemini generateContent.
func (g *GeminiGenerator) Generate(ctx context.Context, systemPrompt string, turns []Turn, opts Options) (string, error) {
	if err := lastTurnIsUser(turns); err != nil {
		return "", err
	}
	return g.client.GenerateContent(ctx, g.model, systemPrompt, turns, opts)
}
