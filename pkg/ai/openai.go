package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIConfig defines configuration options for the OpenAI completer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIClient implements Completer against the OpenAI chat completion API.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIClient builds a new completer using the provided configuration.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 768
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		config.BaseURL = strings.TrimRight(base, "/")
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-autograde/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_client").Logger(),
	}, nil
}

// Provider implements Completer.
func (c *OpenAIClient) Provider() string { return "openai" }

// Model implements Completer.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

// Complete sends the prompt as a single user message and returns the first choice.
func (c *OpenAIClient) Complete(parent context.Context, prompt string) (string, error) {
	ctx, span := c.tracer.Start(parent, "openai.complete", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	defer observeCompletion(c.Provider(), c.cfg.Model, start)

	request := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      false,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		err = fmt.Errorf("%w: openai complete: %w", ErrCompletionFailed, err)
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		return "", err
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%w: no choices returned from openai", ErrCompletionFailed)
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		return "", err
	}

	span.SetAttributes(attribute.Int("usage.total_tokens", resp.Usage.TotalTokens))
	c.logger.Debug().Dur("latency", time.Since(start)).Int("total_tokens", resp.Usage.TotalTokens).Msg("completion received")

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
