package flow

import (
	"context"

	"github.com/BTreeMap/SpinPipe/internal/store"
)

// KnowledgeSource supplies the reference text placed at the top of every prompt.
type KnowledgeSource interface {
	// Knowledge returns the current knowledge text, or "" when there is none.
	Knowledge(ctx context.Context) (string, error)
}

// StoreKnowledge reads the active knowledge block from a KnowledgeRepo.
type StoreKnowledge struct {
	Repo store.KnowledgeRepo
}

// Knowledge implements KnowledgeSource.
func (s StoreKnowledge) Knowledge(ctx context.Context) (string, error) {
	block, err := s.Repo.ActiveKnowledge(ctx)
	if err != nil {
		return "", err
	}
	if block == nil {
		return "", nil
	}
	return block.Content, nil
}

// StaticKnowledge is a fixed knowledge text.
type StaticKnowledge string

// Knowledge implements KnowledgeSource.
func (s StaticKnowledge) Knowledge(context.Context) (string, error) {
	return string(s), nil
}
