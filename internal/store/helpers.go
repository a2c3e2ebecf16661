package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebindPostgres rewrites '?' placeholders into PostgreSQL's positional '$n' form.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scanClient scans a Client from a row.
func scanClient(row rowScanner) (models.Client, error) {
	var c models.Client
	var name, status sql.NullString
	if err := row.Scan(&c.ID, &c.ExternalID, &name, &status, &c.CreatedAt); err != nil {
		return c, err
	}
	c.Name = name.String
	c.Status = status.String
	return c, nil
}

// scanMessage scans a Message from a row.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var author string
	if err := row.Scan(&m.ID, &m.ClientID, &author, &m.Text, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.Author = models.Author(author)
	return m, nil
}

// scanInteraction scans an Interaction from a row.
func scanInteraction(row rowScanner) (models.Interaction, error) {
	var i models.Interaction
	var stage string
	if err := row.Scan(&i.ID, &i.ClientID, &i.Prompt, &i.Response, &i.AssistantHint, &stage, &i.CreatedAt); err != nil {
		return i, fmt.Errorf("scan interaction failed: %w", err)
	}
	i.StageDetected = models.Stage(stage)
	return i, nil
}

// scanKnowledgeBlock scans a KnowledgeBlock from a row.
func scanKnowledgeBlock(row rowScanner) (models.KnowledgeBlock, error) {
	var k models.KnowledgeBlock
	err := row.Scan(&k.ID, &k.Title, &k.Content, &k.UpdatedAt)
	return k, err
}

// scanAssistant scans an Assistant from a row.
func scanAssistant(row rowScanner) (models.Assistant, error) {
	var a models.Assistant
	var name sql.NullString
	if err := row.Scan(&a.ID, &name, &a.AddedAt); err != nil {
		return a, err
	}
	a.Name = name.String
	return a, nil
}

// openDatabase opens driver/dsn, applies pool settings through configure, checks the
// connection and runs migrations. The handle is closed on any failure.
func openDatabase(name, driver, dsn, migrations string, configure func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+": failed to open connection", "error", err)
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if configure != nil {
		configure(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error(name+": ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(name+": failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name + ": migrations applied")
	return db, nil
}
