package store

import (
	"context"
	"time"
)

// DedupRecord is one transport message seen by the assistant desk. Transports redeliver
// updates after reconnects, so the desk records every message id before acting on it.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo records inbound transport messages.
type DedupRepo interface {
	// RecordInbound stores messageID and reports whether it was new. A false result means
	// the message was already seen and must be ignored.
	RecordInbound(ctx context.Context, messageID, senderID string) (bool, error)

	// MarkProcessed stamps processed_at once the desk has answered the message.
	MarkProcessed(ctx context.Context, messageID string) error
}
