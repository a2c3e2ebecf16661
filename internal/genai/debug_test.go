package genai

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// readDebugEntries returns the decoded entries written under <stateDir>/debug.
func readDebugEntries(t *testing.T, stateDir string) []map[string]interface{} {
	t.Helper()
	files, err := os.ReadDir(filepath.Join(stateDir, "debug"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read debug dir: %v", err)
	}
	var entries []map[string]interface{}
	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(stateDir, "debug", f.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", f.Name(), err)
		}
		var entry map[string]interface{}
		if err := json.Unmarshal(content, &entry); err != nil {
			t.Fatalf("decode %s: %v", f.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestDebugLogging(t *testing.T) {
	cases := []struct {
		name       string
		completer  func(stateDir string, debug bool) Completer
		wantMethod string
		wantModel  string
	}{
		{
			name: "openai",
			completer: func(stateDir string, debug bool) Completer {
				return &Client{
					chat:        &mockChatService{resp: textCompletion("Reply to client:\nHi")},
					model:       "test-model",
					temperature: DefaultTemperature,
					timeout:     DefaultTimeout,
					debugMode:   debug,
					stateDir:    stateDir,
				}
			},
			wantMethod: "GeneratePromptWithContext",
			wantModel:  "test-model",
		},
		{
			name: "gemini",
			completer: func(stateDir string, debug bool) Completer {
				return &GeminiClient{
					models:      &mockContentGenerator{resp: geminiResponse("Reply to client:\nHi")},
					model:       DefaultGeminiModel,
					temperature: DefaultTemperature,
					timeout:     DefaultTimeout,
					debugMode:   debug,
					stateDir:    stateDir,
				}
			},
			wantMethod: "GeminiGenerateContent",
			wantModel:  DefaultGeminiModel,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stateDir := t.TempDir()
			if _, err := c.completer(stateDir, true).GeneratePromptWithContext(context.Background(), "sales system", "client said hello"); err != nil {
				t.Fatalf("GeneratePromptWithContext failed: %v", err)
			}
			entries := readDebugEntries(t, stateDir)
			if len(entries) != 1 {
				t.Fatalf("expected one debug entry, got %d", len(entries))
			}
			entry := entries[0]
			for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
				if _, ok := entry[field]; !ok {
					t.Errorf("debug entry missing %q", field)
				}
			}
			if entry["method"] != c.wantMethod || entry["model"] != c.wantModel {
				t.Errorf("debug entry method/model = %v/%v, want %s/%s", entry["method"], entry["model"], c.wantMethod, c.wantModel)
			}
			params, _ := json.Marshal(entry["params"])
			if !strings.Contains(string(params), "client said hello") {
				t.Errorf("debug params do not carry the prompt: %s", params)
			}
		})

		t.Run(c.name+"/disabled", func(t *testing.T) {
			stateDir := t.TempDir()
			if _, err := c.completer(stateDir, false).GeneratePromptWithContext(context.Background(), "sales system", "client said hello"); err != nil {
				t.Fatalf("GeneratePromptWithContext failed: %v", err)
			}
			if entries := readDebugEntries(t, stateDir); len(entries) != 0 {
				t.Errorf("expected no debug entries with debug mode off, got %d", len(entries))
			}
		})
	}
}
