package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore implements Store on database/sql. SQLite and PostgreSQL share it; queries are
// written with '?' placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	name     string
	postgres bool
	now      func() time.Time
}

func newSQLStore(db *sql.DB, name string, postgres bool) sqlStore {
	return sqlStore{
		db:       db,
		name:     name,
		postgres: postgres,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// q adapts a query to the store's placeholder dialect.
func (s *sqlStore) q(query string) string {
	if s.postgres {
		return rebindPostgres(query)
	}
	return query
}

const clientColumns = `id, external_id, name, status, created_at`

func (s *sqlStore) GetOrCreateClient(ctx context.Context, externalID, name string) (models.Client, bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO clients (id, external_id, name, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (external_id) DO NOTHING`),
		uuid.NewString(), externalID, nilIfEmpty(name), s.now())
	if err != nil {
		slog.Error(s.name+" GetOrCreateClient insert failed", "error", err, "externalID", externalID)
		return models.Client{}, false, fmt.Errorf("failed to create client %s: %w", externalID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Client{}, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	c, err := s.GetClientByExternalID(ctx, externalID)
	if err != nil {
		return models.Client{}, false, err
	}
	if c == nil {
		return models.Client{}, false, fmt.Errorf("client %s vanished after insert: %w", externalID, ErrNotFound)
	}
	slog.Debug(s.name+" GetOrCreateClient succeeded", "externalID", externalID, "clientID", c.ID, "created", affected > 0)
	return *c, affected > 0, nil
}

func (s *sqlStore) GetClient(ctx context.Context, id string) (*models.Client, error) {
	return s.getClient(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
}

func (s *sqlStore) GetClientByExternalID(ctx context.Context, externalID string) (*models.Client, error) {
	return s.getClient(ctx, `SELECT `+clientColumns+` FROM clients WHERE external_id = ?`, externalID)
}

func (s *sqlStore) getClient(ctx context.Context, query, arg string) (*models.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, s.q(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" getClient failed", "error", err, "key", arg)
		return nil, fmt.Errorf("failed to load client %s: %w", arg, err)
	}
	return &c, nil
}

func (s *sqlStore) ListClients(ctx context.Context, limit int) ([]models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListClients query failed", "error", err)
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate client rows: %w", err)
	}
	return clients, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *sqlStore) insertMessage(ctx context.Context, ex execer, msg models.Message) (models.Message, error) {
	if !models.IsValidAuthor(msg.Author) {
		return msg, models.ErrInvalidAuthor
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	err := ex.QueryRowContext(ctx,
		s.q(`INSERT INTO messages (client_id, author, text, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		msg.ClientID, string(msg.Author), msg.Text, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return msg, fmt.Errorf("failed to insert %s message for client %s: %w", msg.Author, msg.ClientID, err)
	}
	return msg, nil
}

func (s *sqlStore) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	saved, err := s.insertMessage(ctx, s.db, msg)
	if err != nil {
		slog.Error(s.name+" AddMessage failed", "error", err, "clientID", msg.ClientID, "author", msg.Author)
		return saved, err
	}
	slog.Debug(s.name+" AddMessage succeeded", "clientID", saved.ClientID, "author", saved.Author, "id", saved.ID)
	return saved, nil
}

func (s *sqlStore) RecentMessages(ctx context.Context, clientID string, limit int) ([]models.Message, error) {
	query := `SELECT id, client_id, author, text, created_at FROM messages WHERE client_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{clientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" RecentMessages query failed", "error", err, "clientID", clientID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	// Newest first from the query; callers expect chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *sqlStore) GetStage(ctx context.Context, clientID string) (*models.StageRecord, error) {
	var rec models.StageRecord
	var stage string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT client_id, stage, updated_at FROM stages WHERE client_id = ?`), clientID).
		Scan(&rec.ClientID, &stage, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" GetStage not found", "clientID", clientID)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetStage failed", "error", err, "clientID", clientID)
		return nil, fmt.Errorf("failed to load stage for client %s: %w", clientID, err)
	}
	rec.Stage = models.Stage(stage)
	return &rec, nil
}

func (s *sqlStore) upsertStage(ctx context.Context, ex execer, clientID string, stage models.Stage) error {
	if !models.IsValidStage(stage) {
		return models.ErrInvalidStage
	}
	_, err := ex.ExecContext(ctx,
		s.q(`INSERT INTO stages (client_id, stage, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (client_id) DO UPDATE SET stage = excluded.stage, updated_at = excluded.updated_at`),
		clientID, string(stage), s.now())
	if err != nil {
		return fmt.Errorf("failed to upsert stage for client %s: %w", clientID, err)
	}
	return nil
}

func (s *sqlStore) UpsertStage(ctx context.Context, clientID string, stage models.Stage) error {
	if err := s.upsertStage(ctx, s.db, clientID, stage); err != nil {
		slog.Error(s.name+" UpsertStage failed", "error", err, "clientID", clientID, "stage", stage)
		return err
	}
	slog.Debug(s.name+" UpsertStage succeeded", "clientID", clientID, "stage", stage)
	return nil
}

func (s *sqlStore) RecordInteraction(ctx context.Context, rec models.InteractionRecord) (models.Interaction, error) {
	if !models.IsValidStage(rec.Stage) {
		return models.Interaction{}, models.ErrInvalidStage
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error(s.name+" RecordInteraction begin failed", "error", err, "clientID", rec.ClientID)
		return models.Interaction{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	now := s.now()
	if _, err := s.insertMessage(ctx, tx, models.Message{ClientID: rec.ClientID, Author: models.AuthorBot, Text: rec.Reply, CreatedAt: now}); err != nil {
		slog.Error(s.name+" RecordInteraction message failed", "error", err, "clientID", rec.ClientID)
		return models.Interaction{}, err
	}

	in := models.Interaction{
		ClientID:      rec.ClientID,
		Prompt:        rec.Prompt,
		Response:      rec.Reply,
		AssistantHint: rec.Hint,
		StageDetected: rec.Stage,
		CreatedAt:     now,
	}
	err = tx.QueryRowContext(ctx,
		s.q(`INSERT INTO interactions (client_id, prompt, response, assistant_hint, stage_detected, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		in.ClientID, in.Prompt, in.Response, in.AssistantHint, string(in.StageDetected), in.CreatedAt).Scan(&in.ID)
	if err != nil {
		slog.Error(s.name+" RecordInteraction audit insert failed", "error", err, "clientID", rec.ClientID)
		return models.Interaction{}, fmt.Errorf("failed to insert interaction: %w", err)
	}

	if err := s.upsertStage(ctx, tx, rec.ClientID, rec.Stage); err != nil {
		slog.Error(s.name+" RecordInteraction stage upsert failed", "error", err, "clientID", rec.ClientID)
		return models.Interaction{}, err
	}

	if err := tx.Commit(); err != nil {
		slog.Error(s.name+" RecordInteraction commit failed", "error", err, "clientID", rec.ClientID)
		return models.Interaction{}, fmt.Errorf("failed to commit interaction: %w", err)
	}
	slog.Debug(s.name+" RecordInteraction succeeded", "clientID", rec.ClientID, "interactionID", in.ID, "stage", in.StageDetected)
	return in, nil
}

func (s *sqlStore) ListInteractions(ctx context.Context, clientID string) ([]models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, client_id, prompt, response, assistant_hint, stage_detected, created_at
			FROM interactions WHERE client_id = ? ORDER BY created_at, id`), clientID)
	if err != nil {
		slog.Error(s.name+" ListInteractions query failed", "error", err, "clientID", clientID)
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interaction rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveKnowledgeBlock(ctx context.Context, block models.KnowledgeBlock, activate bool) (models.KnowledgeBlock, error) {
	if block.Content == "" {
		return block, models.ErrEmptyKnowledgeBlock
	}
	if block.Title == "" {
		block.Title = models.DefaultKnowledgeTitle
	}
	block.UpdatedAt = s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return block, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		s.q(`INSERT INTO knowledge_blocks (title, content, updated_at) VALUES (?, ?, ?) RETURNING id`),
		block.Title, block.Content, block.UpdatedAt).Scan(&block.ID)
	if err != nil {
		slog.Error(s.name+" SaveKnowledgeBlock insert failed", "error", err, "title", block.Title)
		return block, fmt.Errorf("failed to insert knowledge block: %w", err)
	}
	if activate {
		if err := s.activate(ctx, tx, block.ID); err != nil {
			return block, err
		}
	}
	if err := tx.Commit(); err != nil {
		return block, fmt.Errorf("failed to commit knowledge block: %w", err)
	}
	slog.Debug(s.name+" SaveKnowledgeBlock succeeded", "id", block.ID, "title", block.Title, "activated", activate, "length", len(block.Content))
	return block, nil
}

func (s *sqlStore) activate(ctx context.Context, ex execer, id int64) error {
	_, err := ex.ExecContext(ctx,
		s.q(`INSERT INTO active_knowledge (id, block_id, updated_at) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET block_id = excluded.block_id, updated_at = excluded.updated_at`),
		id, s.now())
	if err != nil {
		slog.Error(s.name+" activate knowledge failed", "error", err, "id", id)
		return fmt.Errorf("failed to activate knowledge block %d: %w", id, err)
	}
	return nil
}

func (s *sqlStore) SetActiveKnowledge(ctx context.Context, id int64) error {
	var exists int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM knowledge_blocks WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("knowledge block %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up knowledge block %d: %w", id, err)
	}
	return s.activate(ctx, s.db, id)
}

func (s *sqlStore) ActiveKnowledge(ctx context.Context) (*models.KnowledgeBlock, error) {
	k, err := scanKnowledgeBlock(s.db.QueryRowContext(ctx,
		`SELECT k.id, k.title, k.content, k.updated_at FROM active_knowledge a
			JOIN knowledge_blocks k ON k.id = a.block_id WHERE a.id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" ActiveKnowledge failed", "error", err)
		return nil, fmt.Errorf("failed to load active knowledge: %w", err)
	}
	return &k, nil
}

func (s *sqlStore) ListKnowledgeBlocks(ctx context.Context) ([]models.KnowledgeBlock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, content, updated_at FROM knowledge_blocks ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.KnowledgeBlock
	for rows.Next() {
		k, err := scanKnowledgeBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge block: %w", err)
		}
		blocks = append(blocks, k)
	}
	return blocks, rows.Err()
}

func (s *sqlStore) AddAssistant(ctx context.Context, a models.Assistant) error {
	if a.ID == "" {
		return models.ErrMissingAssistantID
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO assistants (id, name, added_at) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name`),
		a.ID, nilIfEmpty(a.Name), s.now())
	if err != nil {
		slog.Error(s.name+" AddAssistant failed", "error", err, "assistantID", a.ID)
		return fmt.Errorf("failed to add assistant %s: %w", a.ID, err)
	}
	slog.Debug(s.name+" AddAssistant succeeded", "assistantID", a.ID)
	return nil
}

func (s *sqlStore) RemoveAssistant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM assistants WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to remove assistant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) IsAssistant(ctx context.Context, id string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM assistants WHERE id = ?`), id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		slog.Error(s.name+" IsAssistant failed", "error", err, "assistantID", id)
		return false, fmt.Errorf("failed to check assistant %s: %w", id, err)
	}
	return true, nil
}

func (s *sqlStore) ListAssistants(ctx context.Context) ([]models.Assistant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, added_at FROM assistants ORDER BY added_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assistants: %w", err)
	}
	defer rows.Close()

	var out []models.Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assistant: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetActiveContext(ctx context.Context, assistantID, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO active_contexts (assistant_id, client_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (assistant_id) DO UPDATE SET client_id = excluded.client_id, updated_at = excluded.updated_at`),
		assistantID, clientID, s.now())
	if err != nil {
		slog.Error(s.name+" SetActiveContext failed", "error", err, "assistantID", assistantID, "clientID", clientID)
		return fmt.Errorf("failed to set active context for %s: %w", assistantID, err)
	}
	slog.Debug(s.name+" SetActiveContext succeeded", "assistantID", assistantID, "clientID", clientID)
	return nil
}

func (s *sqlStore) GetActiveContext(ctx context.Context, assistantID string) (*models.ActiveContext, error) {
	var ac models.ActiveContext
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT assistant_id, client_id, updated_at FROM active_contexts WHERE assistant_id = ?`), assistantID).
		Scan(&ac.AssistantID, &ac.ClientID, &ac.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetActiveContext failed", "error", err, "assistantID", assistantID)
		return nil, fmt.Errorf("failed to load active context for %s: %w", assistantID, err)
	}
	return &ac, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, senderID, s.now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), s.now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	} else {
		slog.Debug(s.name + " database connection closed successfully")
	}
	return err
}
