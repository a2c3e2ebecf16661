// Package genai provides chat-completion clients used to draft SPIN replies.
//
// The OpenAI client is the default provider; GeminiClient offers Google Gemini behind the
// same Completer interface.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default completion settings.
const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.7
	DefaultTimeout     = 60 * time.Second
)

var (
	// ErrCompletionUnavailable is returned for every transport, API or timeout failure of
	// the completion service. Callers check it with errors.Is.
	ErrCompletionUnavailable = errors.New("completion service unavailable")
	// ErrNoChoicesReturned is returned when the service answers without any choice.
	// It matches ErrCompletionUnavailable.
	ErrNoChoicesReturned = fmt.Errorf("%w: no choices returned", ErrCompletionUnavailable)
)

// Completer produces a completion for a system instruction and a user prompt.
type Completer interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChat adapts the SDK's completion service to chatService.
type openAIChat struct {
	svc *openai.ChatCompletionService
}

func (o openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration shared by the completion clients.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the completion clients.
type Option func(*Opts)

// WithAPIKey overrides the API key read from the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length. Zero leaves the provider default.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds every completion call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode writes every request and response as JSON under <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

func applyOpts(opts []Option, model string) Opts {
	cfg := Opts{Model: model, Temperature: DefaultTemperature, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Model == "" {
		cfg.Model = model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
	debugMode   bool
	stateDir    string
}

// NewClient initializes an OpenAI client. The API key comes from WithAPIKey or OPENAI_API_KEY.
// SDK retries are disabled; a failed call surfaces immediately as ErrCompletionUnavailable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOpts(opts, DefaultModel)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: OpenAI API key not set")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0))
	slog.Debug("genai.NewClient: OpenAI client created", "model", cfg.Model, "temperature", cfg.Temperature, "timeout", cfg.Timeout)
	return &Client{
		chat:        openAIChat{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GeneratePrompt is GeneratePromptWithContext with a background context.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	return c.GeneratePromptWithContext(context.Background(), systemPrompt, userPrompt)
}

// GeneratePromptWithContext sends one system and one user message and returns the first choice.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GeneratePromptWithContext: completion failed", "model", c.model, "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrCompletionUnavailable, err)
	}
	c.writeDebugLog("GeneratePromptWithContext", params, resp)

	if len(resp.Choices) == 0 {
		slog.Warn("genai.GeneratePromptWithContext: no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	slog.Debug("genai.GeneratePromptWithContext: completion received", "model", c.model, "elapsed", time.Since(start), "length", len(resp.Choices[0].Message.Content))
	return resp.Choices[0].Message.Content, nil
}
