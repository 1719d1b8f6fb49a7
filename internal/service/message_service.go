package service

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// MessageStore is the persistence surface the domain service needs.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateReadBy(ctx context.Context, id string, readBy []string) error
	EditMessage(ctx context.Context, id, senderID, content string, editedAt time.Time) (int64, error)
	SoftDeleteMessage(ctx context.Context, id, senderID string) (int64, error)
	ListDirect(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Deliverer is the best-effort fan-out stage that runs after a successful
// write. It must never fail the write that triggered it.
type Deliverer interface {
	DeliverMessage(ctx context.Context, msg *models.Message)
	DeliverReadReceipt(ctx context.Context, msg *models.Message, readerID string)
	DeliverConversationUpdate(ctx context.Context, msg *models.Message)
}

// MessageService owns the write path for conversation content: idempotent
// creates, read receipts, sender-guarded edits and deletes.
type MessageService struct {
	store    MessageStore
	delivery Deliverer
	logger   *logrus.Logger

	// Serializes concurrent MarkRead calls for correctness of the
	// read-modify-write on the read-by set.
	readMu sync.Mutex
}

func NewMessageService(store MessageStore, delivery Deliverer, logger *logrus.Logger) *MessageService {
	return &MessageService{
		store:    store,
		delivery: delivery,
		logger:   logger,
	}
}

// CreateDirect persists a direct message. The id is the client-assigned
// idempotency key: replaying a send with the same id returns the existing
// row instead of creating a duplicate. An empty id gets a fresh one.
func (s *MessageService) CreateDirect(ctx context.Context, id, senderID, recipientID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error) {
	if id == "" {
		id = uuid.NewString()
	}
	msg, err := models.NewDirectMessage(id, senderID, recipientID, content, msgType, attachments)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = replyTo
	return s.create(ctx, msg)
}

// CreateGroup persists a group message with the same idempotency contract
// as CreateDirect.
func (s *MessageService) CreateGroup(ctx context.Context, id, senderID, groupID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error) {
	if id == "" {
		id = uuid.NewString()
	}
	msg, err := models.NewGroupMessage(id, senderID, groupID, content, msgType, attachments)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = replyTo
	return s.create(ctx, msg)
}

func (s *MessageService) create(ctx context.Context, msg *models.Message) (*models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "service.create_message",
		attribute.String("message.id", msg.ID),
	)
	defer span.End()

	inserted, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, errors.NewTransientDelivery(err, "failed to persist message")
	}

	if !inserted {
		existing, err := s.store.GetMessage(ctx, msg.ID)
		if err != nil {
			return nil, errors.NewTransientDelivery(err, "failed to load replayed message")
		}
		if existing == nil {
			// Insert lost the conflict but the row is gone; only a
			// concurrent purge can do this.
			return nil, errors.NewNotFound(msg.ID)
		}
		s.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"sender":     msg.SenderID,
		}).Debug("Replayed send collapsed onto existing message")
		return existing, nil
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"sender":     msg.SenderID,
		"type":       msg.Type,
	}).Info("Message created")

	if s.delivery != nil {
		s.delivery.DeliverMessage(ctx, msg)
	}
	return msg, nil
}

// MarkRead adds userID to the message's read-by set. Marking twice is a
// no-op; the returned flag reports whether the set changed.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string) (bool, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, errors.NewTransientDelivery(err, "failed to load message")
	}
	if msg == nil || msg.Deleted {
		return false, errors.NewNotFound(messageID)
	}

	if !msg.MarkReadBy(userID) {
		return false, nil
	}

	if err := s.store.UpdateReadBy(ctx, messageID, msg.ReadBy); err != nil {
		return false, errors.NewTransientDelivery(err, "failed to update read-by set")
	}

	if s.delivery != nil {
		s.delivery.DeliverReadReceipt(ctx, msg, userID)
	}
	return true, nil
}

// Edit replaces the content of a message. Authorization rides inside the
// update itself: the statement is guarded on (id, sender_id), so a non-sender
// changes zero rows no matter how the check races.
func (s *MessageService) Edit(ctx context.Context, messageID, userID, content string) (*models.Message, error) {
	if content == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "edited content cannot be empty")
	}

	rows, err := s.store.EditMessage(ctx, messageID, userID, content, time.Now().UTC())
	if err != nil {
		return nil, errors.NewTransientDelivery(err, "failed to edit message")
	}
	if rows == 0 {
		return nil, s.explainGuardMiss(ctx, messageID, userID)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errors.NewTransientDelivery(err, "failed to load edited message")
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": messageID,
		"sender":     userID,
	}).Info("Message edited")

	if s.delivery != nil && msg != nil {
		s.delivery.DeliverConversationUpdate(ctx, msg)
	}
	return msg, nil
}

// Delete soft-deletes a message under the same sender guard as Edit.
// Deleting an already-deleted message by its sender is a no-op success.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) (*models.Message, error) {
	rows, err := s.store.SoftDeleteMessage(ctx, messageID, userID)
	if err != nil {
		return nil, errors.NewTransientDelivery(err, "failed to delete message")
	}

	msg, getErr := s.store.GetMessage(ctx, messageID)
	if rows == 0 {
		if getErr != nil {
			return nil, errors.NewTransientDelivery(getErr, "failed to load message")
		}
		if msg == nil {
			return nil, errors.NewNotFound(messageID)
		}
		if msg.SenderID != userID {
			return nil, errors.NewAuthorization("only the sender can delete a message")
		}
		// Already deleted by the same sender: idempotent.
		return msg, nil
	}
	if getErr != nil {
		return nil, errors.NewTransientDelivery(getErr, "failed to load deleted message")
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": messageID,
		"sender":     userID,
	}).Info("Message deleted")

	if s.delivery != nil && msg != nil {
		s.delivery.DeliverConversationUpdate(ctx, msg)
	}
	return msg, nil
}

// explainGuardMiss disambiguates a zero-row guarded update: the row is
// either absent, tombstoned, or owned by someone else.
func (s *MessageService) explainGuardMiss(ctx context.Context, messageID, userID string) error {
	existing, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return errors.NewTransientDelivery(err, "failed to load message")
	}
	if existing == nil || existing.Deleted {
		return errors.NewNotFound(messageID)
	}
	if existing.SenderID != userID {
		return errors.NewAuthorization("only the sender can modify a message")
	}
	return errors.New(errors.ErrCodeInternalError, "guarded update affected no rows")
}

// ListDirect returns the direct conversation between two users, newest
// first. Limit is clamped to the configured page bounds.
func (s *MessageService) ListDirect(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := s.store.ListDirect(ctx, userA, userB, limit, offset)
	if err != nil {
		return nil, errors.NewTransientDelivery(err, "failed to list messages")
	}
	return msgs, nil
}

// UnreadCount counts direct messages addressed to userID that userID has
// not read.
func (s *MessageService) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, errors.NewTransientDelivery(err, "failed to count unread messages")
	}
	return count, nil
}
