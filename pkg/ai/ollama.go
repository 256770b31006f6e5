package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const ollamaReplySchema = `{
  "type": "object",
  "required": ["response"],
  "properties": {
    "model": {"type": "string"},
    "response": {"type": "string"},
    "done": {"type": "boolean"}
  }
}`

var ollamaReply = jsonschema.MustCompileString("ollama_generate_reply.json", ollamaReplySchema)

// OllamaConfig configures the Ollama generate client.
type OllamaConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// OllamaClient implements Completer against the Ollama /api/generate endpoint.
type OllamaClient struct {
	cfg    OllamaConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateReply struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient builds a client for an Ollama compatible server.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("ollama base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Model == "" {
		cfg.Model = "mistral"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OllamaClient{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-autograde/pkg/ai/ollama"),
		logger: logger.With().Str("component", "ollama_client").Logger(),
	}, nil
}

// Provider implements Completer.
func (c *OllamaClient) Provider() string { return "ollama" }

// Model implements Completer.
func (c *OllamaClient) Model() string { return c.cfg.Model }

// Complete sends a single non-streaming generate request and returns the reply text.
func (c *OllamaClient) Complete(parent context.Context, prompt string) (string, error) {
	ctx, span := c.tracer.Start(parent, "ollama.generate", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
		attribute.Int("prompt.length", len(prompt)),
	))
	defer span.End()

	start := time.Now()
	defer observeCompletion(c.Provider(), c.cfg.Model, start)

	timeout, err := c.timeout(ctx)
	if err != nil {
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		return "", err
	}

	agent := fiber.Post(c.cfg.BaseURL + "/api/generate")
	agent.JSON(ollamaGenerateRequest{Model: c.cfg.Model, Prompt: prompt, Stream: false})
	agent.Timeout(timeout)
	if c.cfg.APIKey != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.cfg.APIKey)
	}
	if err := agent.Parse(); err != nil {
		err = fmt.Errorf("%w: ollama generate: %w", ErrCompletionFailed, err)
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		return "", err
	}

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		err := fmt.Errorf("%w: ollama generate: %w", ErrCompletionFailed, errors.Join(errs...))
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		return "", err
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	if status < fiber.StatusOK || status >= fiber.StatusMultipleChoices {
		err := fmt.Errorf("%w: ollama generate returned status %d", ErrCompletionFailed, status)
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		c.logger.Warn().Int("status", status).Str("body", truncate(string(body), 256)).Msg("completion service rejected request")
		return "", err
	}

	reply, err := decodeOllamaReply(body)
	if err != nil {
		recordFailure(span, c.Provider(), c.cfg.Model, err)
		return "", err
	}

	c.logger.Debug().Dur("latency", time.Since(start)).Int("reply_length", len(reply.Response)).Msg("completion received")
	return reply.Response, nil
}

// timeout derives the request timeout from the context deadline, capped by the configured timeout.
func (c *OllamaClient) timeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}

	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: %w", ErrCompletionFailed, context.DeadlineExceeded)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	return timeout, nil
}

func decodeOllamaReply(body []byte) (ollamaGenerateReply, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return ollamaGenerateReply{}, fmt.Errorf("%w: decode ollama reply: %w", ErrCompletionFailed, err)
	}

	if err := ollamaReply.Validate(raw); err != nil {
		return ollamaGenerateReply{}, fmt.Errorf("%w: unexpected ollama reply: %w", ErrCompletionFailed, err)
	}

	var reply ollamaGenerateReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return ollamaGenerateReply{}, fmt.Errorf("%w: decode ollama reply: %w", ErrCompletionFailed, err)
	}

	return reply, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
