package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
)

// Importer stores file contents as knowledge blocks.
type Importer struct {
	repo store.KnowledgeRepo
}

// NewImporter creates an Importer writing to repo.
func NewImporter(repo store.KnowledgeRepo) *Importer {
	return &Importer{repo: repo}
}

// ImportFile extracts path and saves it as a new knowledge block. An empty title is derived
// from the file name. When activate is set the block becomes the active one.
func (im *Importer) ImportFile(ctx context.Context, path, title string, activate bool) (models.KnowledgeBlock, error) {
	content, err := Extract(path)
	if err != nil {
		slog.Error("Importer.ImportFile: extraction failed", "path", path, "error", err)
		return models.KnowledgeBlock{}, err
	}
	if title == "" {
		title = titleFromPath(path)
	}
	block, err := im.repo.SaveKnowledgeBlock(ctx, models.KnowledgeBlock{Title: title, Content: content}, activate)
	if err != nil {
		return models.KnowledgeBlock{}, fmt.Errorf("failed to save knowledge from %s: %w", path, err)
	}
	slog.Info("Importer.ImportFile: imported knowledge block", "path", path, "id", block.ID, "title", block.Title, "active", activate, "length", len(content))
	return block, nil
}
