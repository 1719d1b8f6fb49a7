package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a frame on the real-time channel. The set is closed:
// dispatch is by typed constant, not by free-form string.
type EventType string

const (
	// Client -> server
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventSend        EventType = "send"
	EventPing        EventType = "ping"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"
	EventReadReceipt EventType = "read_receipt"

	// Server -> client
	EventMessage             EventType = "message"
	EventConversationUpdated EventType = "conversation_updated"
	EventPresence            EventType = "presence"
	EventNotification        EventType = "notification"
	EventAck                 EventType = "ack"
	EventPong                EventType = "pong"
	EventError               EventType = "error"
)

// Frame is the envelope for every frame in both directions.
type Frame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with the payload serialized into Data.
func NewFrame(event EventType, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Attachment mirrors the server-side attachment shape on the wire.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	SizeKB   int64  `json:"sizeKb"`
	URL      string `json:"url"`
}

// Message is the wire form of a conversation message as delivered in an
// EventMessage frame.
type Message struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"senderId"`
	RecipientID string       `json:"recipientId,omitempty"`
	GroupID     string       `json:"groupId,omitempty"`
	Content     string       `json:"content"`
	Type        string       `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *string      `json:"replyTo,omitempty"`
	ReadBy      []string     `json:"readBy"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	Deleted     bool         `json:"deleted"`
}

// JoinPayload is the body of join and leave frames.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload is the body of a send frame. Exactly one of RecipientID and
// GroupID must be set; the ID is the client-assigned idempotency key.
type SendPayload struct {
	ID          string       `json:"id"`
	RecipientID string       `json:"recipientId,omitempty"`
	GroupID     string       `json:"groupId,omitempty"`
	Content     string       `json:"content"`
	Type        string       `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *string      `json:"replyTo,omitempty"`
}

// AckPayload confirms a send frame, echoing the client-assigned id.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// ReadReceiptPayload marks a message read by a user.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

// TypingPayload scopes a typing indicator to a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// PresencePayload reports a user's liveness transition.
type PresencePayload struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// NotificationPayload is a buffered out-of-band event replayed on reconnect.
type NotificationPayload struct {
	Kind       string    `json:"kind"`
	FromUserID string    `json:"fromUserId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ErrorPayload reports a rejected inbound frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
