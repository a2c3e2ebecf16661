package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept entirely in process memory. Data is lost on exit.
type InMemoryStore struct {
	mu sync.RWMutex

	clients      map[string]*models.Client // by id
	byExternalID map[string]string         // external id -> id
	messages     map[string][]models.Message
	stages       map[string]models.StageRecord
	interactions map[string][]models.Interaction
	knowledge    []models.KnowledgeBlock
	activeBlock  int64
	assistants   map[string]models.Assistant
	contexts     map[string]models.ActiveContext
	dedup        map[string]*DedupRecord

	nextMessageID     int64
	nextInteractionID int64
	now               func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		clients:      make(map[string]*models.Client),
		byExternalID: make(map[string]string),
		messages:     make(map[string][]models.Message),
		stages:       make(map[string]models.StageRecord),
		interactions: make(map[string][]models.Interaction),
		assistants:   make(map[string]models.Assistant),
		contexts:     make(map[string]models.ActiveContext),
		dedup:        make(map[string]*DedupRecord),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) GetOrCreateClient(_ context.Context, externalID, name string) (models.Client, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byExternalID[externalID]; ok {
		return *s.clients[id], false, nil
	}
	c := &models.Client{ID: uuid.NewString(), ExternalID: externalID, Name: name, CreatedAt: s.now()}
	s.clients[c.ID] = c
	s.byExternalID[externalID] = c.ID
	return *c, true, nil
}

func (s *InMemoryStore) GetClient(_ context.Context, id string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) GetClientByExternalID(ctx context.Context, externalID string) (*models.Client, error) {
	s.mu.RLock()
	id, ok := s.byExternalID[externalID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetClient(ctx, id)
}

func (s *InMemoryStore) ListClients(_ context.Context, limit int) ([]models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) requireClient(clientID string) error {
	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	return nil
}

func (s *InMemoryStore) appendMessage(msg models.Message) (models.Message, error) {
	if !models.IsValidAuthor(msg.Author) {
		return msg, models.ErrInvalidAuthor
	}
	if err := s.requireClient(msg.ClientID); err != nil {
		return msg, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.nextMessageID++
	msg.ID = s.nextMessageID
	s.messages[msg.ClientID] = append(s.messages[msg.ClientID], msg)
	return msg, nil
}

func (s *InMemoryStore) AddMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessage(msg)
}

func (s *InMemoryStore) RecentMessages(_ context.Context, clientID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[clientID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]models.Message, len(log))
	copy(out, log)
	return out, nil
}

func (s *InMemoryStore) GetStage(_ context.Context, clientID string) (*models.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.stages[clientID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) setStage(clientID string, stage models.Stage) error {
	if !models.IsValidStage(stage) {
		return models.ErrInvalidStage
	}
	if err := s.requireClient(clientID); err != nil {
		return err
	}
	s.stages[clientID] = models.StageRecord{ClientID: clientID, Stage: stage, UpdatedAt: s.now()}
	return nil
}

func (s *InMemoryStore) UpsertStage(_ context.Context, clientID string, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStage(clientID, stage)
}

func (s *InMemoryStore) RecordInteraction(_ context.Context, rec models.InteractionRecord) (models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.IsValidStage(rec.Stage) {
		return models.Interaction{}, models.ErrInvalidStage
	}
	if err := s.requireClient(rec.ClientID); err != nil {
		return models.Interaction{}, err
	}
	now := s.now()
	if _, err := s.appendMessage(models.Message{ClientID: rec.ClientID, Author: models.AuthorBot, Text: rec.Reply, CreatedAt: now}); err != nil {
		return models.Interaction{}, err
	}
	s.nextInteractionID++
	in := models.Interaction{
		ID:            s.nextInteractionID,
		ClientID:      rec.ClientID,
		Prompt:        rec.Prompt,
		Response:      rec.Reply,
		AssistantHint: rec.Hint,
		StageDetected: rec.Stage,
		CreatedAt:     now,
	}
	s.interactions[rec.ClientID] = append(s.interactions[rec.ClientID], in)
	s.stages[rec.ClientID] = models.StageRecord{ClientID: rec.ClientID, Stage: rec.Stage, UpdatedAt: now}
	return in, nil
}

func (s *InMemoryStore) ListInteractions(_ context.Context, clientID string) ([]models.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Interaction, len(s.interactions[clientID]))
	copy(out, s.interactions[clientID])
	return out, nil
}

func (s *InMemoryStore) SaveKnowledgeBlock(_ context.Context, block models.KnowledgeBlock, activate bool) (models.KnowledgeBlock, error) {
	if block.Content == "" {
		return block, models.ErrEmptyKnowledgeBlock
	}
	if block.Title == "" {
		block.Title = models.DefaultKnowledgeTitle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	block.ID = int64(len(s.knowledge) + 1)
	block.UpdatedAt = s.now()
	s.knowledge = append(s.knowledge, block)
	if activate {
		s.activeBlock = block.ID
	}
	return block, nil
}

func (s *InMemoryStore) SetActiveKnowledge(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.knowledge)) {
		return fmt.Errorf("knowledge block %d: %w", id, ErrNotFound)
	}
	s.activeBlock = id
	return nil
}

func (s *InMemoryStore) ActiveKnowledge(_ context.Context) (*models.KnowledgeBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeBlock == 0 {
		return nil, nil
	}
	k := s.knowledge[s.activeBlock-1]
	return &k, nil
}

func (s *InMemoryStore) ListKnowledgeBlocks(_ context.Context) ([]models.KnowledgeBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.KnowledgeBlock, 0, len(s.knowledge))
	for i := len(s.knowledge) - 1; i >= 0; i-- {
		out = append(out, s.knowledge[i])
	}
	return out, nil
}

func (s *InMemoryStore) AddAssistant(_ context.Context, a models.Assistant) error {
	if a.ID == "" {
		return models.ErrMissingAssistantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.assistants[a.ID]; ok {
		existing.Name = a.Name
		s.assistants[a.ID] = existing
		return nil
	}
	a.AddedAt = s.now()
	s.assistants[a.ID] = a
	return nil
}

func (s *InMemoryStore) RemoveAssistant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[id]; !ok {
		return fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	delete(s.assistants, id)
	return nil
}

func (s *InMemoryStore) IsAssistant(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assistants[id]
	return ok, nil
}

func (s *InMemoryStore) ListAssistants(_ context.Context) ([]models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SetActiveContext(_ context.Context, assistantID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireClient(clientID); err != nil {
		return err
	}
	s.contexts[assistantID] = models.ActiveContext{AssistantID: assistantID, ClientID: clientID, UpdatedAt: s.now()}
	return nil
}

func (s *InMemoryStore) GetActiveContext(_ context.Context, assistantID string) (*models.ActiveContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ac, ok := s.contexts[assistantID]
	if !ok {
		return nil, nil
	}
	return &ac, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		t := s.now()
		rec.ProcessedAt = &t
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
