package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/telegram"
)

// TelegramService implements Service on top of a long-polling Telegram bot.
type TelegramService struct {
	*channels
	bot      telegram.Bot
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTelegramService creates a TelegramService wrapping the given bot.
func NewTelegramService(bot telegram.Bot) *TelegramService {
	return &TelegramService{
		channels: newChannels("TelegramService"),
		bot:      bot,
		done:     make(chan struct{}),
	}
}

// Name returns the transport name.
func (s *TelegramService) Name() string { return "telegram" }

// ValidateAndCanonicalizeRecipient checks that the recipient is a numeric chat id.
func (s *TelegramService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", recipient, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Start begins polling for updates.
func (s *TelegramService) Start(ctx context.Context) error {
	slog.Debug("TelegramService Start invoked")
	updates := s.bot.Updates()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case update, ok := <-updates:
				if !ok {
					slog.Debug("TelegramService update channel closed")
					return
				}
				msg, ok := telegram.ToInbound(update)
				if !ok {
					slog.Debug("TelegramService ignoring update without message", "update_id", update.UpdateID)
					continue
				}
				s.safeEmitInbound(msg)
			}
		}
	}()
	slog.Info("TelegramService polling started")
	return nil
}

// Stop stops polling, waits for the poller to exit and closes the channels.
func (s *TelegramService) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("TelegramService Stop invoked")
		close(s.done)
		s.bot.StopUpdates()
		s.wg.Wait()
		s.close()
		slog.Info("TelegramService stopped and channels closed")
	})
	return nil
}

// SendMessage sends a message to a chat and emits a sent receipt.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TelegramService SendMessage validation error", "error", err, "to", to)
		return err
	}
	chatID, _ := strconv.ParseInt(canonical, 10, 64)
	if err := s.bot.SendMessage(ctx, chatID, body); err != nil {
		slog.Error("TelegramService SendMessage error", "error", err, "to", canonical)
		return err
	}
	s.safeEmitReceipt(models.Receipt{To: canonical, Status: models.ReceiptStatusSent, Time: time.Now().Unix()})
	return nil
}
