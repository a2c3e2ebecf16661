package desk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/SpinPipe/internal/flow"
	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/BTreeMap/SpinPipe/internal/testutil"
	"github.com/google/go-cmp/cmp"
)

const completion = "Reply to client:\nGreat question! What would you like to learn?\n\nHint to assistant:\nAsk about their current job\n\n#Stage: P"

const assistantID = "777"

func newDesk(t *testing.T, completer *testutil.StubCompleter) (*Desk, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	testutil.AddAssistants(t, st, assistantID)
	return New(st, flow.NewPipeline(st, completer)), st
}

func forward(id, text string) models.InboundMessage {
	return models.InboundMessage{
		MessageID: id,
		SenderID:  assistantID,
		ChatID:    assistantID,
		Text:      text,
		Forwarded: true,
		Origin:    &models.ForwardOrigin{ID: "12345", Name: "Test"},
	}
}

func TestUnauthorizedSenderCausesNoWrites(t *testing.T) {
	ctx := context.Background()
	completer := testutil.NewStubCompleter(completion)
	d, st := newDesk(t, completer)

	msg := forward("tg:1", "Tell me about the course")
	msg.SenderID = "999"
	got := d.HandleInbound(ctx, msg)
	if diff := cmp.Diff([]string{DenialText}, got); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	clients, _ := st.ListClients(ctx, 0)
	if len(clients) != 0 {
		t.Errorf("expected no clients, got %d", len(clients))
	}
	if ac, _ := st.GetActiveContext(ctx, "999"); ac != nil {
		t.Errorf("expected no active context, got %+v", ac)
	}
	if fresh, _ := st.RecordInbound(ctx, "tg:1", "999"); !fresh {
		t.Error("unauthorized message must not be recorded for dedup")
	}
	if len(completer.Calls()) != 0 {
		t.Error("completion must not be called for unauthorized senders")
	}
}

func TestForwardedMessageRunsPipeline(t *testing.T) {
	ctx := context.Background()
	d, st := newDesk(t, testutil.NewStubCompleter(completion))

	got := d.HandleInbound(ctx, forward("tg:1", "Tell me about the course"))
	want := []string{"Great question! What would you like to learn?", "Ask about their current job"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	client, _ := st.GetClientByExternalID(ctx, "12345")
	if client == nil || client.Name != "Test" {
		t.Fatalf("expected client 12345 named Test, got %+v", client)
	}
	ac, _ := st.GetActiveContext(ctx, assistantID)
	if ac == nil || ac.ClientID != client.ID {
		t.Errorf("expected active context on the forwarded client, got %+v", ac)
	}
	rec, _ := st.GetStage(ctx, client.ID)
	if rec == nil || rec.Stage != models.StageProblem {
		t.Errorf("expected stage P, got %+v", rec)
	}
}

func TestRedeliveredMessageIgnored(t *testing.T) {
	ctx := context.Background()
	completer := testutil.NewStubCompleter(completion)
	d, _ := newDesk(t, completer)

	d.HandleInbound(ctx, forward("tg:1", "hello"))
	if got := d.HandleInbound(ctx, forward("tg:1", "hello")); got != nil {
		t.Errorf("expected redelivery to be ignored, got %v", got)
	}
	if len(completer.Calls()) != 1 {
		t.Errorf("expected one completion call, got %d", len(completer.Calls()))
	}
}

func TestForwardWithoutOrigin(t *testing.T) {
	ctx := context.Background()
	d, st := newDesk(t, testutil.NewStubCompleter(completion))

	msg := forward("tg:1", "hello")
	msg.Origin = nil
	got := d.HandleInbound(ctx, msg)
	if diff := cmp.Diff([]string{MissingForwardMetadataText}, got); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
	if clients, _ := st.ListClients(ctx, 0); len(clients) != 0 {
		t.Errorf("expected no clients, got %d", len(clients))
	}
}

func TestStartAndNonText(t *testing.T) {
	ctx := context.Background()
	d, _ := newDesk(t, testutil.NewStubCompleter(completion))

	if got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID, Text: "/start"}); got[0] != WelcomeText {
		t.Errorf("expected welcome text, got %v", got)
	}
	if got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID, Text: "/start@spin_bot"}); got[0] != WelcomeText {
		t.Errorf("expected welcome text for addressed command, got %v", got)
	}
	if got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID}); got[0] != NonTextText {
		t.Errorf("expected non-text reply, got %v", got)
	}
}

func TestUnknownCommandNotSentToModel(t *testing.T) {
	ctx := context.Background()
	completer := testutil.NewStubCompleter(completion)
	d, _ := newDesk(t, completer)
	d.HandleInbound(ctx, forward("tg:1", "Tell me about the course"))
	calls := len(completer.Calls())

	for _, text := range []string{"/foo", "/foo@spin_bot some args"} {
		got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID, Text: text})
		if diff := cmp.Diff([]string{WelcomeText}, got); diff != "" {
			t.Errorf("%q: replies mismatch (-want +got):\n%s", text, diff)
		}
	}
	if len(completer.Calls()) != calls {
		t.Errorf("unknown commands reached the model: %d calls, want %d", len(completer.Calls()), calls)
	}
}

func TestQuestionWithoutContext(t *testing.T) {
	d, _ := newDesk(t, testutil.NewStubCompleter(completion))
	got := d.HandleInbound(context.Background(), models.InboundMessage{SenderID: assistantID, Text: "What next?"})
	if diff := cmp.Diff([]string{NoContextText}, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestQuestionWithContext(t *testing.T) {
	ctx := context.Background()
	completer := testutil.NewStubCompleter(completion)
	d, _ := newDesk(t, completer)
	d.HandleInbound(ctx, forward("tg:1", "Tell me about the course"))

	completer.Respond("  Ask what they do for a living.  ")
	got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID, Text: "What should I ask?"})
	want := []string{"Current SPIN stage: P - Problem (problem questions)\n\nAsk what they do for a living."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestCompletionFailureOnBothPaths(t *testing.T) {
	ctx := context.Background()
	completer := testutil.NewStubCompleter(completion)
	completer.Fail(genai.ErrCompletionUnavailable)
	d, st := newDesk(t, completer)

	if got := d.HandleInbound(ctx, forward("tg:1", "hello")); len(got) != 1 || got[0] != ServerErrorText {
		t.Errorf("expected server error on forward, got %v", got)
	}
	if got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID, Text: "and now?"}); len(got) != 1 || got[0] != ServerErrorText {
		t.Errorf("expected server error on question, got %v", got)
	}

	client, _ := st.GetClientByExternalID(ctx, "12345")
	if client == nil {
		t.Fatal("expected client to exist")
	}
	msgs, _ := st.RecentMessages(ctx, client.ID, 0)
	if len(msgs) != 1 || msgs[0].Author != models.AuthorClient {
		t.Errorf("expected only the client message to be stored, got %+v", msgs)
	}
}

func TestReplyToForwardSwitchesContext(t *testing.T) {
	ctx := context.Background()
	completer := testutil.NewStubCompleter(completion)
	d, st := newDesk(t, completer)

	d.HandleInbound(ctx, forward("tg:1", "first client"))
	other := forward("tg:2", "second client")
	other.Origin = &models.ForwardOrigin{ID: "222", Name: "Other"}
	d.HandleInbound(ctx, other)

	completer.Respond("Talk about benefits.")
	got := d.HandleInbound(ctx, models.InboundMessage{
		MessageID:     "tg:3",
		SenderID:      assistantID,
		Text:          "What about this one?",
		ReplyToOrigin: &models.ForwardOrigin{ID: "12345", Name: "Test"},
	})
	if len(got) != 2 || got[0] != "Context switched to client: Test" {
		t.Fatalf("expected confirmation then answer, got %v", got)
	}
	if !strings.HasSuffix(got[1], "Talk about benefits.") {
		t.Errorf("unexpected answer %q", got[1])
	}
	client, _ := st.GetClientByExternalID(ctx, "12345")
	if ac, _ := st.GetActiveContext(ctx, assistantID); ac == nil || ac.ClientID != client.ID {
		t.Errorf("expected context on client 12345, got %+v", ac)
	}
}

func TestClientCommand(t *testing.T) {
	ctx := context.Background()
	d, _ := newDesk(t, testutil.NewStubCompleter(completion))
	d.HandleInbound(ctx, forward("tg:1", "hello"))

	cases := []struct {
		text string
		want string
	}{
		{"/client", ClientUsageText},
		{"/client 404", "Client not found: 404"},
		{"/client 12345", "Context switched to client: Test"},
	}
	for _, tc := range cases {
		got := d.HandleInbound(ctx, models.InboundMessage{SenderID: assistantID, Text: tc.text})
		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("%q: got %v, want %q", tc.text, got, tc.want)
		}
	}
}

// failingRepo fails the allow-list lookup.
type failingRepo struct {
	*store.InMemoryStore
}

func (failingRepo) IsAssistant(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func TestAllowListFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	d := New(failingRepo{st}, flow.NewPipeline(st, testutil.NewStubCompleter("")))
	got := d.HandleInbound(context.Background(), forward("tg:1", "hi"))
	if diff := cmp.Diff([]string{ServerErrorText}, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}
