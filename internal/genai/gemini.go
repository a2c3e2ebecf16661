package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gemini "google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured for the Gemini provider.
const DefaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the subset of the Gemini models service used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient implements Completer on Google Gemini.
type GeminiClient struct {
	models      contentGenerator
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
	debugMode   bool
	stateDir    string
}

// NewGeminiClient creates a Gemini client. The API key comes from WithAPIKey, GEMINI_API_KEY
// or GOOGLE_API_KEY.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOpts(opts, DefaultGeminiModel)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewGeminiClient: Gemini API key not set")
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", cfg.Model, "timeout", cfg.Timeout)
	return &GeminiClient{
		models:      client.Models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GeneratePromptWithContext sends the prompt with the system prompt as system instruction.
func (g *GeminiClient) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	config := &gemini.GenerateContentConfig{
		SystemInstruction: gemini.NewContentFromText(systemPrompt, gemini.RoleUser),
		Temperature:       gemini.Ptr(float32(g.temperature)),
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = int32(g.maxTokens)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, gemini.Text(userPrompt), config)
	if err != nil {
		slog.Error("genai.GeminiClient: completion failed", "model", g.model, "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrCompletionUnavailable, err)
	}
	if g.debugMode && g.stateDir != "" {
		writeDebugEntry(g.stateDir, debugEntry{
			Timestamp: time.Now().UTC(),
			Method:    "GeminiGenerateContent",
			Model:     g.model,
			Params:    map[string]string{"system": systemPrompt, "user": userPrompt},
			Response:  resp,
		})
	}
	if resp == nil || len(resp.Candidates) == 0 {
		slog.Warn("genai.GeminiClient: no candidates returned", "model", g.model)
		return "", ErrNoChoicesReturned
	}
	text := resp.Text()
	slog.Debug("genai.GeminiClient: completion received", "model", g.model, "elapsed", time.Since(start), "length", len(text))
	return text, nil
}
