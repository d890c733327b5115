// Package anthropic adapts the Claude Messages API to the ai.Generator interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/logger"
)

const (
	Provider = "anthropic"

	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 512
)

type messageCreator interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type Generator struct {
	messages  messageCreator
	model     string
	maxTokens int
	logger    *zap.Logger
}

func NewGenerator(apiKey, model string, maxTokens int, log *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	client := sdk.NewClient(option.WithAPIKey(apiKey))

	return &Generator{
		messages:  &client.Messages,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.WithCommonFields(log, Provider, model),
	}, nil
}

// GenerateContent sends a single user message and concatenates the text blocks of the reply.
func (g *Generator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.messages == nil {
		return "", errors.New("anthropic generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	resp, err := g.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		text := strings.TrimSpace(block.Text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(text)
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		g.logger.Debug("anthropic returned no text", zap.String("stop_reason", string(resp.StopReason)))
		return "", errors.New("anthropic api returned empty response")
	}

	return output, nil
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}
