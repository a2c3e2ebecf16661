package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

// fallbackErrorResponse is written when a response cannot be marshaled.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes response as JSON with the given status code. Marshaling happens
// before any header is written so a failure can still become a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError writes the {"status":"error","message":...} envelope. Server-side failures are
// logged with their cause, client errors only at warn level.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string, cause error) {
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", statusCode}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Server: request failed: "+message, attrs...)
	} else {
		slog.Warn("Server: request rejected: "+message, attrs...)
	}
	writeJSONResponse(w, statusCode, models.Error(message))
}
