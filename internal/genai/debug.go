package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// debugEntry is the JSON document written for each call in debug mode.
type debugEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
}

// writeDebugLog records a request/response pair under <stateDir>/debug when debug mode is on.
// Failures are logged and otherwise ignored.
func (c *Client) writeDebugLog(method string, params, response interface{}) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	writeDebugEntry(c.stateDir, debugEntry{
		Timestamp: time.Now().UTC(),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  response,
	})
}

func writeDebugEntry(stateDir string, entry debugEntry) {
	dir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.writeDebugLog: cannot create debug directory", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%d.json", entry.Timestamp.Format("20060102T150405"), entry.Method, entry.Timestamp.UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Warn("genai.writeDebugLog: write failed", "path", path, "error", err)
		return
	}
	slog.Debug("genai.writeDebugLog: wrote debug entry", "path", path)
}
