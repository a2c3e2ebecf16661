package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
)

// InteractionRecorder persists the outcome of a completed turn.
type InteractionRecorder struct {
	repo store.ConversationRepo
}

// NewInteractionRecorder creates a recorder over the given repository.
func NewInteractionRecorder(repo store.ConversationRepo) *InteractionRecorder {
	return &InteractionRecorder{repo: repo}
}

// Record appends the bot reply, writes the audit record and sets the client's stage as one
// unit of work. The stored audit stage always equals the stage written to the tracker.
func (r *InteractionRecorder) Record(ctx context.Context, client models.Client, prompt string, parsed ParsedResponse) (models.Interaction, error) {
	in, err := r.repo.RecordInteraction(ctx, models.InteractionRecord{
		ClientID: client.ID,
		Prompt:   prompt,
		Reply:    parsed.Reply,
		Hint:     parsed.Hint,
		Stage:    parsed.Stage,
	})
	if err != nil {
		slog.Error("InteractionRecorder.Record: failed", "clientID", client.ID, "error", err)
		return models.Interaction{}, fmt.Errorf("failed to record interaction: %w", err)
	}
	slog.Debug("InteractionRecorder.Record: recorded", "clientID", client.ID, "interactionID", in.ID, "stage", in.StageDetected)
	return in, nil
}
