package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"gopkg.in/yaml.v3"
)

// Seed is the bootstrap file listing assistants and knowledge files.
//
//	assistants:
//	  - id: "123456789"
//	    name: Maria
//	knowledge:
//	  - path: course.md
//	    title: Course overview
//	    active: true
type Seed struct {
	Assistants []SeedAssistant `yaml:"assistants"`
	Knowledge  []SeedKnowledge `yaml:"knowledge"`
}

// SeedAssistant is one allow-list entry.
type SeedAssistant struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SeedKnowledge is one knowledge file. Relative paths resolve against the seed file.
type SeedKnowledge struct {
	Path   string `yaml:"path"`
	Title  string `yaml:"title"`
	Active bool   `yaml:"active"`
}

// SeedTarget is the storage a seed is applied to.
type SeedTarget interface {
	store.AssistantRepo
	store.KnowledgeRepo
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	for i, a := range seed.Assistants {
		if a.ID == "" {
			return nil, fmt.Errorf("seed assistant %d: %w", i, models.ErrMissingAssistantID)
		}
	}
	return &seed, nil
}

// ApplySeed registers the seed's assistants and imports its knowledge files. baseDir
// resolves relative knowledge paths.
func ApplySeed(ctx context.Context, target SeedTarget, seed *Seed, baseDir string) error {
	for _, a := range seed.Assistants {
		if err := target.AddAssistant(ctx, models.Assistant{ID: a.ID, Name: a.Name}); err != nil {
			return err
		}
	}
	im := NewImporter(target)
	for _, k := range seed.Knowledge {
		path := k.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if _, err := im.ImportFile(ctx, path, k.Title, k.Active); err != nil {
			return err
		}
	}
	slog.Info("knowledge.ApplySeed: seed applied", "assistants", len(seed.Assistants), "knowledgeFiles", len(seed.Knowledge))
	return nil
}
