// Package messaging connects chat transports (Telegram, WhatsApp, Twilio WhatsApp) to
// SpinPipe's assistant desk.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

// Constants for service channel configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches every non-digit character.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message transport.
// It supports sending messages, and provides channels for receipt and inbound events.
type Service interface {
	// Name identifies the transport in logs ("telegram", "whatsapp", "twilio").
	Name() string

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing, closes the channels and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Inbound returns a channel of messages sent to the bot.
	Inbound() <-chan models.InboundMessage
}

// canonicalizePhone removes all non-numeric characters and requires at least 6 digits.
func canonicalizePhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if recipient != canonical {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// channels holds the receipt and inbound channels shared by every service. Emitting and
// closing are serialized so that late transport events never hit a closed channel.
type channels struct {
	name     string
	mu       sync.RWMutex
	stopped  bool
	receipts chan models.Receipt
	inbound  chan models.InboundMessage
}

func newChannels(name string) *channels {
	return &channels{
		name:     name,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// close marks the service stopped and closes both channels. It reports false when the
// service was already stopped.
func (c *channels) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	close(c.receipts)
	close(c.inbound)
	return true
}

func (c *channels) safeEmitReceipt(receipt models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(c.name+" receipts channel blocked, dropping receipt", "to", receipt.To, "timeout", DefaultChannelTimeout)
	}
}

func (c *channels) safeEmitInbound(msg models.InboundMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn(c.name+" dropping inbound message (service stopped)", "from", msg.SenderID)
		return
	}
	select {
	case c.inbound <- msg:
		slog.Debug(c.name+" inbound message forwarded", "from", msg.SenderID, "forwarded", msg.Forwarded)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(c.name+" inbound channel blocked, dropping message", "from", msg.SenderID, "timeout", DefaultChannelTimeout)
	}
}

// Receipts returns a channel of receipt events.
func (c *channels) Receipts() <-chan models.Receipt {
	return c.receipts
}

// Inbound returns a channel of incoming messages.
func (c *channels) Inbound() <-chan models.InboundMessage {
	return c.inbound
}
