// Package telegram wraps the Telegram Bot API for SpinPipe.
//
// It provides long-polling updates, sending text messages and conversion of Telegram
// messages into transport-neutral inbound messages.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/SpinPipe/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultPollTimeout is the long-polling timeout in seconds.
const DefaultPollTimeout = 60

// Bot is the Telegram surface used by the messaging layer (real client or mock).
type Bot interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	Updates() tgbotapi.UpdatesChannel
	StopUpdates()
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token       string
	PollTimeout int
	Debug       bool
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token. Without it TELEGRAM_BOT_TOKEN is used.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPollTimeout sets the long-polling timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *Opts) { o.PollTimeout = seconds }
}

// WithDebug enables the SDK's request logging.
func WithDebug(enabled bool) Option {
	return func(o *Opts) { o.Debug = enabled }
}

// Client wraps tgbotapi.BotAPI.
type Client struct {
	bot         *tgbotapi.BotAPI
	pollTimeout int
	stopOnce    sync.Once
}

// NewClient authenticates the bot and returns a Client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{PollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		slog.Error("Telegram NewClient: authentication failed", "error", err)
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	bot.Debug = cfg.Debug
	slog.Info("Telegram client authorized", "username", bot.Self.UserName)
	return &Client{bot: bot, pollTimeout: cfg.PollTimeout}, nil
}

// SendMessage sends a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if text == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Error("Telegram SendMessage failed", "chatID", chatID, "error", err)
		return fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	slog.Debug("Telegram message sent", "chatID", chatID, "body_length", len(text))
	return nil
}

// Updates starts long polling and returns the update channel.
func (c *Client) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	return c.bot.GetUpdatesChan(u)
}

// StopUpdates stops long polling. The update channel is closed by the SDK.
func (c *Client) StopUpdates() {
	c.stopOnce.Do(c.bot.StopReceivingUpdates)
}

// ToInbound converts a Telegram update into an inbound message. ok is false for updates
// that carry no message.
func ToInbound(update tgbotapi.Update) (msg models.InboundMessage, ok bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return models.InboundMessage{}, false
	}
	msg = models.InboundMessage{
		MessageID: "tg:" + strconv.Itoa(update.UpdateID),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		Text:      m.Text,
		Time:      int64(m.Date),
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = fullName(m.From)
	}
	msg.Forwarded = m.ForwardDate != 0 || m.ForwardFrom != nil || m.ForwardSenderName != "" || m.ForwardFromChat != nil
	if m.ForwardFrom != nil {
		msg.Origin = originOf(m.ForwardFrom)
	}
	if r := m.ReplyToMessage; r != nil && r.ForwardFrom != nil {
		msg.ReplyToOrigin = originOf(r.ForwardFrom)
	}
	return msg, true
}

func originOf(u *tgbotapi.User) *models.ForwardOrigin {
	return &models.ForwardOrigin{ID: strconv.FormatInt(u.ID, 10), Name: fullName(u)}
}

func fullName(u *tgbotapi.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// MockClient implements Bot without network access (for tests).
type MockClient struct {
	mu      sync.Mutex
	Sent    []SentMessage
	SendErr error
	updates chan tgbotapi.Update
	once    sync.Once
}

// SentMessage records one outbound message of the mock.
type SentMessage struct {
	ChatID int64
	Text   string
}

// NewMockClient creates a MockClient whose update channel is fed with Push.
func NewMockClient() *MockClient {
	return &MockClient{updates: make(chan tgbotapi.Update, 16)}
}

// SendMessage records the message.
func (m *MockClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

// Updates returns the mock's update channel.
func (m *MockClient) Updates() tgbotapi.UpdatesChannel {
	return m.updates
}

// StopUpdates closes the update channel.
func (m *MockClient) StopUpdates() {
	m.once.Do(func() { close(m.updates) })
}

// Push delivers an update as if it came from Telegram.
func (m *MockClient) Push(u tgbotapi.Update) {
	m.updates <- u
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.Sent))
	copy(out, m.Sent)
	return out
}
