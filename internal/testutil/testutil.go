// Package testutil provides common test utilities and helpers for SpinPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/SpinPipe/internal/api"
	"github.com/BTreeMap/SpinPipe/internal/flow"
	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
)

// SampleCompletion is a well-formed model output classifying the client at stage P.
const SampleCompletion = "Reply to client:\nHi! What would you like to learn?\n\nHint to assistant:\nAsk about their goals\n\n#Stage: P"

// CompletionCall records one call made to a StubCompleter.
type CompletionCall struct {
	System string
	Prompt string
}

// StubCompleter is a genai.Completer that returns a scripted response.
type StubCompleter struct {
	mu    sync.Mutex
	resp  string
	err   error
	calls []CompletionCall
}

// NewStubCompleter returns a StubCompleter answering with resp.
func NewStubCompleter(resp string) *StubCompleter {
	return &StubCompleter{resp: resp}
}

// Respond changes the scripted response and clears any scripted error.
func (c *StubCompleter) Respond(resp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resp, c.err = resp, nil
}

// Fail makes every following call return err.
func (c *StubCompleter) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// GeneratePromptWithContext implements genai.Completer.
func (c *StubCompleter) GeneratePromptWithContext(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, CompletionCall{System: systemPrompt, Prompt: userPrompt})
	if c.err != nil {
		return "", c.err
	}
	return c.resp, nil
}

// Calls returns a copy of the recorded calls.
func (c *StubCompleter) Calls() []CompletionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CompletionCall, len(c.calls))
	copy(out, c.calls)
	return out
}

var _ genai.Completer = (*StubCompleter)(nil)

// NewTestServer creates a test API server backed by an in-memory store and a pipeline
// using completer.
func NewTestServer(t testing.TB, completer genai.Completer) (*api.Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return api.NewServer(flow.NewPipeline(st, completer), st), st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// ExecuteRequest serves req with handler and returns the recorded response.
func ExecuteRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// SeedConversation creates a client and appends alternating client and bot messages.
func SeedConversation(t testing.TB, st store.Store, externalID, name string, texts ...string) models.Client {
	t.Helper()
	ctx := context.Background()
	client, _, err := st.GetOrCreateClient(ctx, externalID, name)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	for i, text := range texts {
		author := models.AuthorClient
		if i%2 == 1 {
			author = models.AuthorBot
		}
		if _, err := st.AddMessage(ctx, models.Message{ClientID: client.ID, Author: author, Text: text}); err != nil {
			t.Fatalf("failed to add message: %v", err)
		}
	}
	return client
}

// AddAssistants adds the given ids to the assistant allow-list.
func AddAssistants(t testing.TB, st store.AssistantRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := st.AddAssistant(context.Background(), models.Assistant{ID: id}); err != nil {
			t.Fatalf("failed to add assistant %s: %v", id, err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
