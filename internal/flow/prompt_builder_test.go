package flow

import (
	"strings"
	"testing"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

func TestFormatHistory(t *testing.T) {
	history := []models.Message{
		{Author: models.AuthorClient, Text: "Hello"},
		{Author: models.AuthorBot, Text: "Hi, how can I help?"},
		{Author: models.AuthorAssistant, Text: "Check pricing"},
		{Author: models.Author("system"), Text: "odd"},
	}
	want := "Client: Hello\nBot: Hi, how can I help?\nAssistant: Check pricing\nMessage: odd"
	if got := FormatHistory(history); got != want {
		t.Errorf("FormatHistory() =\n%s\nwant\n%s", got, want)
	}
	if got := FormatHistory(nil); got != "" {
		t.Errorf("expected empty history, got %q", got)
	}
}

func TestBuildPromptSectionOrder(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Client:    models.Client{ExternalID: "12345", Name: "Test"},
		History:   []models.Message{{Author: models.AuthorClient, Text: "earlier question"}},
		Knowledge: "KNOWLEDGE-TEXT",
		Stage:     models.StageImplication,
		NewText:   "Tell me about the course",
	})

	order := []string{
		"KNOWLEDGE-TEXT",
		"Test",
		models.StageImplication.Label(),
		"Client: earlier question",
		`"Tell me about the course"`,
		ReplyMarker,
		HintMarker,
		StageMarker,
	}
	last := -1
	for _, part := range order {
		idx := strings.Index(prompt, part)
		if idx < 0 {
			t.Fatalf("prompt is missing %q:\n%s", part, prompt)
		}
		if idx <= last {
			t.Errorf("%q appears out of order", part)
		}
		last = idx
	}
}

func TestBuildPromptDefaults(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Client:  models.Client{ExternalID: "777"},
		NewText: "hi",
	})
	if !strings.Contains(prompt, "ID 777") {
		t.Error("expected display name fallback 'ID 777'")
	}
	if !strings.Contains(prompt, models.StageSituation.Label()) {
		t.Error("expected Situation label when no stage is stored")
	}
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	in := PromptInput{Client: models.Client{ExternalID: "1", Name: "A"}, Knowledge: "k", Stage: models.StageProblem, NewText: "x"}
	if BuildPrompt(in) != BuildPrompt(in) {
		t.Error("BuildPrompt should be a pure function of its input")
	}
}

func TestBuildAssistantPrompt(t *testing.T) {
	prompt := BuildAssistantPrompt(
		models.Client{ExternalID: "5", Name: "Olga"},
		[]models.Message{{Author: models.AuthorBot, Text: "Welcome"}},
		"KB",
		"What does she want?",
	)
	for _, part := range []string{"KB", "Olga", "Bot: Welcome", `"What does she want?"`} {
		if !strings.Contains(prompt, part) {
			t.Errorf("assistant prompt missing %q", part)
		}
	}
	if strings.Contains(prompt, StageMarker) {
		t.Error("assistant prompt should not ask for a stage tag")
	}
}
