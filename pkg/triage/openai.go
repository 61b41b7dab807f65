package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// langchainChat implements ChatClient over an OpenAI-compatible
// endpoint via langchaingo. Works for both the OpenAI API and
// self-hosted compatible servers.
type langchainChat struct {
	llm *openai.LLM
}

// Ensure interface compliance.
var _ ChatClient = (*langchainChat)(nil)

// NewChatClient creates the configured chat collaborator, or nil when
// the classifier is disabled.
func NewChatClient(cfg *config.ClassifierConfig) (ChatClient, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for keyless local servers.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
	}

	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating chat client: %w", err)
	}

	return &langchainChat{llm: llm}, nil
}

// Chat sends the message pairs and returns the raw completion text.
func (c *langchainChat) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))

	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == "system" {
			role = llms.ChatMessageTypeSystem
		}

		content = append(content, llms.TextParts(role, m.Content))
	}

	resp, err := c.llm.GenerateContent(ctx, content)
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}

	return resp.Choices[0].Content, nil
}
