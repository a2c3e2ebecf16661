package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/goleak"
)

func TestTelegramService_ImplementsService(t *testing.T) {
	var _ Service = (*TelegramService)(nil)
}

func TestTelegramService_ValidateRecipient(t *testing.T) {
	svc := NewTelegramService(telegram.NewMockClient())
	if got, err := svc.ValidateAndCanonicalizeRecipient("-100123"); err != nil || got != "-100123" {
		t.Errorf("expected group chat id to be accepted, got %q, %v", got, err)
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("abc"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}

func TestTelegramService_PollAndSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	bot := telegram.NewMockClient()
	svc := NewTelegramService(bot)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	bot.Push(tgbotapi.Update{UpdateID: 1})
	bot.Push(tgbotapi.Update{
		UpdateID: 2,
		Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: 99},
			From: &tgbotapi.User{ID: 42, FirstName: "Olga"},
			Text: "hi",
		},
	})

	select {
	case msg := <-svc.Inbound():
		if msg.MessageID != "tg:2" || msg.SenderID != "42" || msg.ChatID != "99" {
			t.Errorf("unexpected inbound message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	if err := svc.SendMessage(context.Background(), "99", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if msgs := bot.Messages(); len(msgs) != 1 || msgs[0].ChatID != 99 {
		t.Errorf("unexpected sent messages %+v", msgs)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "99", "late"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
