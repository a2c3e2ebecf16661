package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// PostgreSQL connection pool settings.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL. Client get-or-create, stage upserts and
// inbound dedup use ON CONFLICT so concurrent instances stay consistent.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to the configured DSN and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := openDatabase("PostgresStore", "postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("PostgresStore.NewPostgresStore: connected")
	return &PostgresStore{sqlStore: newSQLStore(db, "PostgresStore", true)}, nil
}
