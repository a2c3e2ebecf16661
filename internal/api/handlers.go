package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// flexibleID accepts a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number")
	}
	*f = flexibleID(n.String())
	return nil
}

// interactionPayload is the body of POST /api/interaction/. The telegram_id and name keys
// are accepted for older integrations.
type interactionPayload struct {
	ExternalClientID flexibleID `json:"external_client_id"`
	DisplayName      string     `json:"display_name"`
	Text             string     `json:"text"`

	TelegramID flexibleID `json:"telegram_id"`
	Name       string     `json:"name"`
}

func (p interactionPayload) request() models.InteractionRequest {
	req := models.InteractionRequest{
		ExternalClientID: string(p.ExternalClientID),
		DisplayName:      p.DisplayName,
		Text:             p.Text,
	}
	if req.ExternalClientID == "" {
		req.ExternalClientID = string(p.TelegramID)
	}
	if req.DisplayName == "" {
		req.DisplayName = p.Name
	}
	return req
}

// isValidationError reports whether err is a request validation failure.
func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrMissingClientID,
		models.ErrMissingText,
		models.ErrClientIDTooLong,
		models.ErrDisplayNameTooLong,
		models.ErrMessageTextTooLong,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// interactionHandler handles POST /api/interaction/
func (s *Server) interactionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.interactionHandler: processing interaction", "path", r.URL.Path)

	var p interactionPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)).Decode(&p); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON format", err)
		return
	}

	result, err := s.pipeline.Submit(r.Context(), p.request())
	switch {
	case err == nil:
	case isValidationError(err):
		writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, genai.ErrCompletionUnavailable):
		writeError(w, r, http.StatusBadGateway, "Completion service unavailable", err)
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "Failed to process interaction", err)
		return
	}

	slog.Info("Server.interactionHandler: interaction processed", "stage", result.Stage)
	writeJSONResponse(w, http.StatusOK, result)
}

// lookupClient resolves the {externalID} URL parameter, writing the error response itself
// when the client cannot be returned.
func (s *Server) lookupClient(w http.ResponseWriter, r *http.Request) (*models.Client, bool) {
	externalID := strings.TrimSpace(chi.URLParam(r, "externalID"))
	client, err := s.repo.GetClientByExternalID(r.Context(), externalID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to load client", err)
		return nil, false
	}
	if client == nil {
		writeError(w, r, http.StatusNotFound, "Client not found", nil)
		return nil, false
	}
	return client, true
}

// listInteractionsHandler handles GET /api/clients/{externalID}/interactions
func (s *Server) listInteractionsHandler(w http.ResponseWriter, r *http.Request) {
	client, ok := s.lookupClient(w, r)
	if !ok {
		return
	}
	interactions, err := s.repo.ListInteractions(r.Context(), client.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to load interactions", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(interactions))
}

// listMessagesHandler handles GET /api/clients/{externalID}/messages
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	client, ok := s.lookupClient(w, r)
	if !ok {
		return
	}
	messages, err := s.repo.RecentMessages(r.Context(), client.ID, 0)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to load messages", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "spinpipe"}))
}
