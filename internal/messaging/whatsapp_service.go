package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// whatsAppEventSource is implemented by clients that deliver whatsmeow events.
type whatsAppEventSource interface {
	AddEventHandler(handler func(evt interface{})) (remove func())
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	*channels
	client        whatsapp.WhatsAppSender
	events        whatsAppEventSource // nil for send-only clients (mocks)
	removeHandler func()
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		channels: newChannels("WhatsAppService"),
		client:   client,
	}

	// Clients that can deliver events are subscribed on Start
	if src, ok := client.(whatsAppEventSource); ok {
		service.events = src
		slog.Debug("WhatsAppService created with event-capable client")
	} else {
		slog.Debug("WhatsAppService created with send-only client (likely mock)")
	}

	return service
}

// Name returns the transport name.
func (s *WhatsAppService) Name() string { return "whatsapp" }

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("WhatsAppService", recipient)
}

// Start registers the WhatsApp event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.events == nil {
		slog.Debug("WhatsAppService no event source available, skipping event handling (likely mock)")
		return nil
	}
	s.removeHandler = s.events.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the channels.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	if s.removeHandler != nil {
		s.removeHandler()
		s.removeHandler = nil
	}
	if s.close() {
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService SendMessage invoked", "to", canonicalTo, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.ReceiptStatusSent, Time: time.Now().Unix()})
	return nil
}

// handleEvent feeds WhatsApp events into the appropriate channels
func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	default:
		slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := whatsapp.ToInbound(evt)
	if !ok {
		return
	}
	slog.Debug("WhatsAppService processing incoming message", "from", msg.SenderID, "body_length", len(msg.Text))
	s.safeEmitInbound(msg)
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	to := evt.MessageSource.Sender.User

	var status string
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.ReceiptStatusDelivered
	case events.ReceiptTypeRead:
		status = models.ReceiptStatusRead
	case events.ReceiptTypeReadSelf:
		return
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type, "to", to)
		return
	}

	s.safeEmitReceipt(models.Receipt{To: to, Status: status, Time: evt.Timestamp.Unix()})
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Message:
		return "Message"
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
