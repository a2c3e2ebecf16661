package models

// ForwardOrigin identifies the original author of a forwarded message.
type ForwardOrigin struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InboundMessage is a transport-neutral message sent to the bot by an assistant.
type InboundMessage struct {
	// MessageID is the transport's identifier, used for redelivery detection.
	MessageID string `json:"message_id,omitempty"`
	// SenderID is the canonical identity of the assistant who sent the message.
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	// ChatID is where replies are delivered.
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	// Forwarded is set when the transport flags the message as forwarded, even if
	// the original author is hidden.
	Forwarded bool           `json:"forwarded,omitempty"`
	Origin    *ForwardOrigin `json:"origin,omitempty"`
	// ReplyToOrigin is the origin of a forwarded message this message replies to.
	ReplyToOrigin *ForwardOrigin `json:"reply_to_origin,omitempty"`
	Time          int64          `json:"time"`
}

// Receipt records an outbound message delivery event.
type Receipt struct {
	To     string `json:"to"`
	Status string `json:"status"`
	Time   int64  `json:"time"`
}

// Receipt statuses.
const (
	ReceiptStatusSent      = "sent"
	ReceiptStatusDelivered = "delivered"
	ReceiptStatusRead      = "read"
)
