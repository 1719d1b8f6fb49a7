package service

import (
	"context"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/pkg/channel/types"

	"github.com/sirupsen/logrus"
)

// Pusher is the live-connection side of delivery, implemented by the
// transport hub. Push reports whether a frame was accepted by a live
// session.
type Pusher interface {
	PushToUser(userID string, event types.EventType, payload interface{}) bool
	PushToConversation(conversationID string, event types.EventType, payload interface{}, excludeUserID string) int
}

// BufferStore is the durable side of delivery: the per-recipient queue,
// the notification buffer and the presence store.
type BufferStore interface {
	BufferForRecipient(ctx context.Context, recipientID string, msg *models.Message) error
	BufferNotification(ctx context.Context, recipientID string, n *models.Notification) error
	GetStatus(ctx context.Context, userID string) (*models.PresenceRecord, error)
}

// DeliveryService makes the direct-or-buffered decision for every new
// message and fans out read receipts and conversation updates. Everything
// here is best effort: a failure is logged and counted, never propagated
// back to the write that triggered it.
type DeliveryService struct {
	buffers BufferStore
	pusher  Pusher
	logger  *logrus.Logger
}

func NewDeliveryService(buffers BufferStore, pusher Pusher, logger *logrus.Logger) *DeliveryService {
	return &DeliveryService{
		buffers: buffers,
		pusher:  pusher,
		logger:  logger,
	}
}

// DeliverMessage routes a freshly created message: direct messages go to
// the recipient's live session when one exists, otherwise into the durable
// delivery queue; group messages fan out to the live subscribers of the
// group conversation.
func (d *DeliveryService) DeliverMessage(ctx context.Context, msg *models.Message) {
	if msg.GroupID != "" {
		n := d.pusher.PushToConversation(msg.GroupID, types.EventMessage, msg, msg.SenderID)
		metrics.MessagesDelivered.Add(float64(n))
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"group":      msg.GroupID,
			"recipients": n,
		}).Debug("Group message fanned out")
		return
	}

	status, err := d.buffers.GetStatus(ctx, msg.RecipientID)
	if err != nil {
		d.logger.WithError(err).WithField("recipient", msg.RecipientID).Warn("Presence lookup failed, buffering message")
		d.buffer(ctx, msg)
		return
	}

	if status.IsOnline && d.pusher.PushToUser(msg.RecipientID, types.EventMessage, msg) {
		metrics.MessagesDelivered.Inc()
		return
	}

	d.buffer(ctx, msg)
}

func (d *DeliveryService) buffer(ctx context.Context, msg *models.Message) {
	if err := d.buffers.BufferForRecipient(ctx, msg.RecipientID, msg); err != nil {
		metrics.DeliveryErrors.Inc()
		d.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"recipient":  msg.RecipientID,
		}).Error("Failed to buffer message for offline recipient")
		return
	}
	metrics.MessagesBuffered.Inc()

	notification := &models.Notification{
		Kind:       "message",
		FromUserID: msg.SenderID,
		MessageID:  msg.ID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.buffers.BufferNotification(ctx, msg.RecipientID, notification); err != nil {
		metrics.DeliveryErrors.Inc()
		d.logger.WithError(err).WithField("recipient", msg.RecipientID).Warn("Failed to buffer notification")
	}
}

// DeliverReadReceipt tells the sender (direct) or the conversation (group)
// that readerID has read the message.
func (d *DeliveryService) DeliverReadReceipt(ctx context.Context, msg *models.Message, readerID string) {
	payload := types.ReadReceiptPayload{MessageID: msg.ID, UserID: readerID}

	if msg.GroupID != "" {
		d.pusher.PushToConversation(msg.GroupID, types.EventReadReceipt, payload, readerID)
		return
	}
	d.pusher.PushToUser(msg.SenderID, types.EventReadReceipt, payload)
}

// DeliverConversationUpdate announces an edit or delete to the other side
// of the conversation.
func (d *DeliveryService) DeliverConversationUpdate(ctx context.Context, msg *models.Message) {
	if msg.GroupID != "" {
		d.pusher.PushToConversation(msg.GroupID, types.EventConversationUpdated, msg, msg.SenderID)
		return
	}
	d.pusher.PushToUser(msg.RecipientID, types.EventConversationUpdated, msg)
}

// BroadcastTyping relays a typing indicator to a conversation's live
// subscribers. Nothing is buffered: a typing state for an offline user is
// stale by definition.
func (d *DeliveryService) BroadcastTyping(conversationID, userID string, typing bool) {
	event := types.EventTypingStop
	if typing {
		event = types.EventTypingStart
	}
	d.pusher.PushToConversation(conversationID, event, types.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, userID)
}

// BroadcastPresence announces a liveness transition to the conversations
// the user participates in.
func (d *DeliveryService) BroadcastPresence(conversationIDs []string, record *models.PresenceRecord) {
	payload := types.PresencePayload{
		UserID:   record.UserID,
		IsOnline: record.IsOnline,
		LastSeen: record.LastSeen,
	}
	for _, id := range conversationIDs {
		d.pusher.PushToConversation(id, types.EventPresence, payload, record.UserID)
	}
}
