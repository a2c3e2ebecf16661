package testutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
)

// recordingTB captures failures instead of failing the enclosing test.
type recordingTB struct {
	testing.TB
	failed bool
	fatal  bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(string, ...interface{}) { r.failed = true }

func (r *recordingTB) Error(...interface{}) { r.failed = true }

func (r *recordingTB) Fatalf(string, ...interface{}) {
	r.failed = true
	r.fatal = true
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &recordingTB{TB: t}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v", tt.shouldFail, mockT.failed)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":1}`)
	mockT := &recordingTB{TB: t}
	resp := AssertJSONResponse(mockT, rr, "ok")
	if mockT.failed || resp["result"].(float64) != 1 {
		t.Errorf("unexpected result %v (failed=%v)", resp, mockT.failed)
	}

	rr = httptest.NewRecorder()
	rr.WriteString(`{"status":"error"}`)
	mockT = &recordingTB{TB: t}
	AssertJSONResponse(mockT, rr, "ok")
	if !mockT.failed {
		t.Error("expected mismatched status to fail")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/api/interaction/", map[string]string{"text": "hi"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	var body map[string]string
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, req.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	MustUnmarshalJSON(t, []byte(buf.String()), &body)
	if body["text"] != "hi" {
		t.Errorf("unexpected body %v", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	if req.Header.Get("Content-Type") != "" {
		t.Error("bodiless request must not carry a content type")
	}
}

func TestStubCompleter(t *testing.T) {
	c := NewStubCompleter("first")
	got, err := c.GeneratePromptWithContext(context.Background(), "sys", "prompt")
	if err != nil || got != "first" {
		t.Fatalf("got %q, %v", got, err)
	}
	boom := errors.New("boom")
	c.Fail(boom)
	if _, err := c.GeneratePromptWithContext(context.Background(), "sys", "p2"); !errors.Is(err, boom) {
		t.Errorf("expected scripted error, got %v", err)
	}
	c.Respond("second")
	if got, _ := c.GeneratePromptWithContext(context.Background(), "", ""); got != "second" {
		t.Errorf("expected second response, got %q", got)
	}
	if calls := c.Calls(); len(calls) != 3 || calls[0].System != "sys" || calls[0].Prompt != "prompt" {
		t.Errorf("unexpected calls %+v", calls)
	}
}

func TestNewTestServerServesInteractions(t *testing.T) {
	completer := NewStubCompleter(SampleCompletion)
	server, st := NewTestServer(t, completer)
	SeedConversation(t, st, "12345", "Test", "Hello", "Hi, how can I help?")

	req := CreateHTTPRequest(t, http.MethodPost, "/api/interaction/", map[string]string{
		"external_client_id": "12345",
		"text":               "Tell me about the course",
	})
	rr := ExecuteRequest(server.Handler(), req)
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "interaction")

	var result models.InteractionResult
	MustUnmarshalJSON(t, rr.Body.Bytes(), &result)
	if result.Stage != models.StageProblem {
		t.Errorf("expected stage P, got %q", result.Stage)
	}
	prompt := completer.Calls()[0].Prompt
	if !strings.Contains(prompt, "Client: Hello") || !strings.Contains(prompt, "Bot: Hi, how can I help?") {
		t.Errorf("expected seeded history in prompt:\n%s", prompt)
	}
}

func TestAddAssistants(t *testing.T) {
	st := store.NewInMemoryStore()
	AddAssistants(t, st, "1", "2")
	list, _ := st.ListAssistants(context.Background())
	if len(list) != 2 {
		t.Errorf("expected 2 assistants, got %d", len(list))
	}
}
