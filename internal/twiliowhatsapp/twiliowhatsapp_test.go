package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "12345", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	if msgs[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", msgs[0].Body)
	}
}

func TestMockClient_SendError(t *testing.T) {
	mock := NewMockClient()
	mock.SendErr = errors.New("boom")
	if err := mock.SendMessage(context.Background(), "1", "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Messages()) != 0 {
		t.Error("failed sends must not be recorded")
	}
}

func TestAddress(t *testing.T) {
	if got := Address("+15551234567"); got != "whatsapp:+15551234567" {
		t.Errorf("Address: got %q", got)
	}
	if got := Address("whatsapp:+1"); got != "whatsapp:+1" {
		t.Errorf("Address must not double-prefix, got %q", got)
	}
	if got := StripAddress("whatsapp:+1"); got != "+1" {
		t.Errorf("StripAddress: got %q", got)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without a from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550000000" {
		t.Errorf("expected prefixed from number, got %q", c.fromWhats)
	}
}

func TestSignatureValidator(t *testing.T) {
	var disabled *SignatureValidator = NewSignatureValidator("")
	if disabled != nil {
		t.Fatal("expected nil validator for empty token")
	}
	if !disabled.Validate("https://example.com/twilio/webhook", nil, "") {
		t.Error("nil validator must accept every request")
	}

	v := NewSignatureValidator("secret")
	if v.Validate("https://example.com/twilio/webhook", map[string]string{"Body": "hi"}, "bogus") {
		t.Error("expected bogus signature to be rejected")
	}
}
