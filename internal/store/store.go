// Package store provides storage backends for SpinPipe.
//
// It includes an in-memory store for tests and DSN-less runs, and SQLite and PostgreSQL
// backed stores sharing a single SQL implementation.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ClientRepo stores client identities.
type ClientRepo interface {
	// GetOrCreateClient atomically returns the client with the given external id,
	// creating it with the given name if absent. The bool reports creation.
	GetOrCreateClient(ctx context.Context, externalID, name string) (models.Client, bool, error)
	GetClient(ctx context.Context, id string) (*models.Client, error)
	GetClientByExternalID(ctx context.Context, externalID string) (*models.Client, error)
	ListClients(ctx context.Context, limit int) ([]models.Client, error)
}

// ConversationRepo stores the conversation log, stages and the interaction audit trail.
type ConversationRepo interface {
	AddMessage(ctx context.Context, msg models.Message) (models.Message, error)
	// RecentMessages returns the latest limit messages ordered oldest to newest.
	// A non-positive limit returns the whole log.
	RecentMessages(ctx context.Context, clientID string, limit int) ([]models.Message, error)
	GetStage(ctx context.Context, clientID string) (*models.StageRecord, error)
	UpsertStage(ctx context.Context, clientID string, stage models.Stage) error
	// RecordInteraction appends the bot reply, the audit record and the stage upsert
	// as one unit.
	RecordInteraction(ctx context.Context, rec models.InteractionRecord) (models.Interaction, error)
	ListInteractions(ctx context.Context, clientID string) ([]models.Interaction, error)
}

// KnowledgeRepo stores knowledge blocks and the active-block pointer.
type KnowledgeRepo interface {
	SaveKnowledgeBlock(ctx context.Context, block models.KnowledgeBlock, activate bool) (models.KnowledgeBlock, error)
	SetActiveKnowledge(ctx context.Context, id int64) error
	// ActiveKnowledge returns nil when no block has been activated.
	ActiveKnowledge(ctx context.Context) (*models.KnowledgeBlock, error)
	ListKnowledgeBlocks(ctx context.Context) ([]models.KnowledgeBlock, error)
}

// AssistantRepo stores the assistant allow-list and their active contexts.
type AssistantRepo interface {
	AddAssistant(ctx context.Context, a models.Assistant) error
	RemoveAssistant(ctx context.Context, id string) error
	IsAssistant(ctx context.Context, id string) (bool, error)
	ListAssistants(ctx context.Context) ([]models.Assistant, error)
	SetActiveContext(ctx context.Context, assistantID, clientID string) error
	GetActiveContext(ctx context.Context, assistantID string) (*models.ActiveContext, error)
}

// Store defines the full storage interface used by SpinPipe.
type Store interface {
	ClientRepo
	ConversationRepo
	KnowledgeRepo
	AssistantRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// key=value connection strings
	for _, key := range []string{"host=", "dbname=", "user="} {
		if strings.Contains(dsn, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// Open returns the store matching the configured DSN, or an in-memory store when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("No database DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
