package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
)

// StageTracker reads the funnel stage of a client.
//
// Transitions are free: every completed turn overwrites the stored stage with whatever
// stage the model detected, including moving backwards. There is no terminal stage.
// A client without a stored stage is in DefaultStage.
type StageTracker struct {
	repo store.ConversationRepo
}

// NewStageTracker creates a StageTracker over the given repository.
func NewStageTracker(repo store.ConversationRepo) *StageTracker {
	return &StageTracker{repo: repo}
}

// Current returns the stored stage for the client, or DefaultStage when none is stored.
func (t *StageTracker) Current(ctx context.Context, clientID string) (models.Stage, error) {
	rec, err := t.repo.GetStage(ctx, clientID)
	if err != nil {
		return "", err
	}
	if rec == nil || !models.IsValidStage(rec.Stage) {
		slog.Debug("StageTracker.Current: no stored stage, using default", "clientID", clientID)
		return models.DefaultStage, nil
	}
	return rec.Stage, nil
}
