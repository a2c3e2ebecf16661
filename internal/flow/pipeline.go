// Package flow implements the stage-tracking conversation pipeline: prompt construction,
// completion, response parsing and recording of each client turn.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/google/uuid"
)

// Repository is the storage the pipeline needs.
type Repository interface {
	store.ClientRepo
	store.ConversationRepo
}

// Opts holds configuration for the Pipeline.
type Opts struct {
	Parser          ResponseParser
	Knowledge       KnowledgeSource
	HistoryLimit    int
	SerializeTurns  bool
	SalesSystem     string
	AssistantSystem string
}

// Option configures a Pipeline.
type Option func(*Opts)

// WithParser replaces the default MarkerParser.
func WithParser(p ResponseParser) Option {
	return func(o *Opts) { o.Parser = p }
}

// WithKnowledgeSource sets where the knowledge text comes from. Without it prompts carry no
// knowledge text.
func WithKnowledgeSource(k KnowledgeSource) Option {
	return func(o *Opts) { o.Knowledge = k }
}

// WithHistoryLimit sets how many recent messages go into a prompt.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithTurnSerialization toggles per-client serialisation of turns. It is on by default.
func WithTurnSerialization(enabled bool) Option {
	return func(o *Opts) { o.SerializeTurns = enabled }
}

// WithSystemPrompts overrides the system instructions. Empty values keep the defaults.
func WithSystemPrompts(sales, assistant string) Option {
	return func(o *Opts) {
		if sales != "" {
			o.SalesSystem = sales
		}
		if assistant != "" {
			o.AssistantSystem = assistant
		}
	}
}

// Pipeline runs client turns end to end.
type Pipeline struct {
	repo      Repository
	completer genai.Completer
	parser    ResponseParser
	knowledge KnowledgeSource
	stages    *StageTracker
	recorder  *InteractionRecorder
	locks     *keyedMutex // nil when turns are not serialised
	opts      Opts
}

// NewPipeline creates a Pipeline.
func NewPipeline(repo Repository, completer genai.Completer, opts ...Option) *Pipeline {
	cfg := Opts{
		Parser:          MarkerParser{},
		Knowledge:       StaticKnowledge(""),
		HistoryLimit:    HistoryLimit,
		SerializeTurns:  true,
		SalesSystem:     SalesSystemPrompt,
		AssistantSystem: AssistantSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = HistoryLimit
	}
	p := &Pipeline{
		repo:      repo,
		completer: completer,
		parser:    cfg.Parser,
		knowledge: cfg.Knowledge,
		stages:    NewStageTracker(repo),
		recorder:  NewInteractionRecorder(repo),
		opts:      cfg,
	}
	if cfg.SerializeTurns {
		p.locks = newKeyedMutex()
	}
	slog.Debug("Pipeline.NewPipeline: created", "historyLimit", cfg.HistoryLimit, "serializeTurns", cfg.SerializeTurns)
	return p
}

// Submit processes one client message: it stores the message, asks the model for a reply,
// records the outcome and returns reply, hint and stage.
//
// Validation failures return the models validation error and persist nothing. Completion
// failures return an error matching genai.ErrCompletionUnavailable; the client message is
// kept in that case.
func (p *Pipeline) Submit(ctx context.Context, req models.InteractionRequest) (models.InteractionResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		slog.Warn("Pipeline.Submit: invalid request", "error", err)
		return models.InteractionResult{}, err
	}
	turnID := uuid.NewString()
	start := time.Now()
	slog.Debug("Pipeline.Submit: start", "turnID", turnID, "externalClientID", req.ExternalClientID)

	client, created, err := p.repo.GetOrCreateClient(ctx, req.ExternalClientID, req.DisplayName)
	if err != nil {
		return models.InteractionResult{}, fmt.Errorf("failed to resolve client: %w", err)
	}
	if created {
		slog.Info("Pipeline.Submit: new client", "turnID", turnID, "clientID", client.ID, "externalClientID", client.ExternalID)
	}

	if p.locks != nil {
		unlock := p.locks.Lock(client.ID)
		defer unlock()
	}

	// The history window includes the message being submitted.
	if _, err := p.repo.AddMessage(ctx, models.Message{ClientID: client.ID, Author: models.AuthorClient, Text: req.Text}); err != nil {
		return models.InteractionResult{}, fmt.Errorf("failed to store client message: %w", err)
	}

	history, err := p.repo.RecentMessages(ctx, client.ID, p.opts.HistoryLimit)
	if err != nil {
		return models.InteractionResult{}, fmt.Errorf("failed to load history: %w", err)
	}
	stage, err := p.stages.Current(ctx, client.ID)
	if err != nil {
		return models.InteractionResult{}, fmt.Errorf("failed to load stage: %w", err)
	}
	knowledge, err := p.knowledge.Knowledge(ctx)
	if err != nil {
		return models.InteractionResult{}, fmt.Errorf("failed to load knowledge: %w", err)
	}

	prompt := BuildPrompt(PromptInput{
		Client:    client,
		History:   history,
		Knowledge: knowledge,
		Stage:     stage,
		NewText:   req.Text,
	})
	raw, err := p.completer.GeneratePromptWithContext(ctx, p.opts.SalesSystem, prompt)
	if err != nil {
		slog.Error("Pipeline.Submit: completion failed", "turnID", turnID, "clientID", client.ID, "error", err)
		return models.InteractionResult{}, err
	}

	parsed := p.parser.Parse(raw)
	if !models.IsValidStage(parsed.Stage) {
		slog.Warn("Pipeline.Submit: parser returned unknown stage, using default", "turnID", turnID, "stage", parsed.Stage)
		parsed.Stage = models.DefaultStage
	}
	if _, err := p.recorder.Record(ctx, client, prompt, parsed); err != nil {
		return models.InteractionResult{}, err
	}

	slog.Info("Pipeline.Submit: turn completed", "turnID", turnID, "clientID", client.ID, "stage", parsed.Stage, "previousStage", stage, "elapsed", time.Since(start))
	return models.InteractionResult{
		Reply:         parsed.Reply,
		AssistantHint: parsed.Hint,
		Stage:         parsed.Stage,
	}, nil
}

// AnswerAssistant answers an assistant's free-form question about a client. Nothing is
// persisted.
func (p *Pipeline) AnswerAssistant(ctx context.Context, client models.Client, question string) (string, error) {
	history, err := p.repo.RecentMessages(ctx, client.ID, p.opts.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	knowledge, err := p.knowledge.Knowledge(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load knowledge: %w", err)
	}
	prompt := BuildAssistantPrompt(client, history, knowledge, question)
	answer, err := p.completer.GeneratePromptWithContext(ctx, p.opts.AssistantSystem, prompt)
	if err != nil {
		slog.Error("Pipeline.AnswerAssistant: completion failed", "clientID", client.ID, "error", err)
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// CurrentStage returns the client's stage, DefaultStage when none is stored.
func (p *Pipeline) CurrentStage(ctx context.Context, clientID string) (models.Stage, error) {
	return p.stages.Current(ctx, clientID)
}
