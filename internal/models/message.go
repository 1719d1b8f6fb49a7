package models

import (
	"strings"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"

	"github.com/google/uuid"
)

type MessageType string

const (
	TextMessage       MessageType = "text"
	AttachmentMessage MessageType = "attachment"
	SystemMessage     MessageType = "system"
)

// Attachment is an opaque reference to uploaded media; optimization and
// storage of the blob itself happen outside this module.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	SizeKB   int64  `json:"sizeKb"`
	URL      string `json:"url"`
}

// Message is the unit of conversation content. The ID is assigned on the
// client before any network round-trip and acts as the idempotency key for
// replayed sends.
type Message struct {
	ID          string       `json:"id" db:"id"`
	SenderID    string       `json:"senderId" db:"sender_id"`
	RecipientID string       `json:"recipientId,omitempty" db:"recipient_id"`
	GroupID     string       `json:"groupId,omitempty" db:"group_id"`
	Content     string       `json:"content" db:"content"`
	Type        MessageType  `json:"type" db:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *string      `json:"replyTo,omitempty" db:"reply_to"`
	ReadBy      []string     `json:"readBy" db:"read_by"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
	EditedAt    *time.Time   `json:"editedAt,omitempty" db:"edited_at"`
	Deleted     bool         `json:"deleted" db:"deleted"`
}

// NewMessageID returns a fresh client-side identifier carrying the reserved
// outbox prefix.
func NewMessageID() string {
	return constants.OutboxIDPrefix + uuid.NewString()
}

// IsOutboxID reports whether id was generated locally and has not yet been
// confirmed by the server.
func IsOutboxID(id string) bool {
	return strings.HasPrefix(id, constants.OutboxIDPrefix)
}

func NewDirectMessage(id, senderID, recipientID, content string, msgType MessageType, attachments []Attachment) (*Message, error) {
	m := &Message{
		ID:          id,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Type:        msgType,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func NewGroupMessage(id, senderID, groupID, content string, msgType MessageType, attachments []Attachment) (*Message, error) {
	m := &Message{
		ID:          id,
		SenderID:    senderID,
		GroupID:     groupID,
		Content:     content,
		Type:        msgType,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate enforces the target invariant: exactly one of recipient id and
// group id is set, never both, never neither.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message id is required")
	}
	if m.SenderID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "sender id is required")
	}
	if m.RecipientID != "" && m.GroupID != "" {
		return errors.New(errors.ErrCodeInvalidInput, "message cannot target both a recipient and a group")
	}
	if m.RecipientID == "" && m.GroupID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message must target a recipient or a group")
	}
	switch m.Type {
	case TextMessage, AttachmentMessage, SystemMessage:
	default:
		return errors.New(errors.ErrCodeInvalidInput, "unknown message type")
	}
	return nil
}

// IsReadBy reports membership in the read-by set.
func (m *Message) IsReadBy(userID string) bool {
	for _, u := range m.ReadBy {
		if u == userID {
			return true
		}
	}
	return false
}

// MarkReadBy appends userID to the read-by set if not already present and
// reports whether the set changed.
func (m *Message) MarkReadBy(userID string) bool {
	if m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}
