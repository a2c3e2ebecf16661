package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is used when creating the database directory.
	DefaultDirPermissions = 0755
	// sqliteDSNParams enables foreign keys and waits on a locked database instead of failing.
	sqliteDSNParams = "_foreign_keys=on&_busy_timeout=5000"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens the SQLite database named by the DSN, a file path optionally
// prefixed with "file:" and followed by query parameters. Missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if path := sqlitePath(cfg.DSN); path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}
	// A single connection keeps writers serialised.
	db, err := openDatabase("SQLiteStore", "sqlite3", dsn, sqliteMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: opened", "path", sqlitePath(cfg.DSN))
	return &SQLiteStore{sqlStore: newSQLStore(db, "SQLiteStore", false)}, nil
}

// sqlitePath strips the "file:" prefix and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
