package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

/*
Key layout:

	chatsync:buffer:msg:{recipientId}    (LIST, 7d TTL, FIFO)
	chatsync:buffer:notif:{recipientId}  (LIST, 3d TTL, FIFO)
	chatsync:presence:{userId}           (STRING, 5m TTL)

The buffer TTL is list-level and refreshed on every append, so a burst of
new messages extends the expiry of older buffered ones too. A per-entry
expiry tracked independently of appends would be stricter; the list-level
TTL keeps drain a single O(1) key operation.
*/

type Config struct {
	MessageTTL      time.Duration
	NotificationTTL time.Duration
	PresenceTTL     time.Duration
	MaxBuffered     int64
}

// Store is the durable delivery queue, notification buffer and presence
// store. Every operation touches a single recipient-scoped key, so
// different recipients never contend.
type Store struct {
	cli    *redis.Client
	cfg    Config
	logger *logrus.Logger
}

func New(cli *redis.Client, cfg Config, logger *logrus.Logger) *Store {
	return &Store{cli: cli, cfg: cfg, logger: logger}
}

func messageKey(recipientID string) string {
	return fmt.Sprintf("chatsync:buffer:msg:%s", recipientID)
}

func notificationKey(recipientID string) string {
	return fmt.Sprintf("chatsync:buffer:notif:%s", recipientID)
}

func presenceKey(userID string) string {
	return fmt.Sprintf("chatsync:presence:%s", userID)
}

// BufferForRecipient appends a message to the recipient's delivery queue
// and refreshes the list-level retention TTL. The list is capped at
// MaxBuffered entries, dropping oldest.
func (s *Store) BufferForRecipient(ctx context.Context, recipientID string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to serialize message for buffering")
	}

	key := messageKey(recipientID)
	pipe := s.cli.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if s.cfg.MaxBuffered > 0 {
		pipe.LTrim(ctx, key, -s.cfg.MaxBuffered, -1)
	}
	pipe.Expire(ctx, key, s.cfg.MessageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeBackingStore, "failed to buffer message")
	}
	return nil
}

// DrainForRecipient returns all buffered messages for the recipient and
// atomically clears the list. Called once per reconnect, not per heartbeat.
func (s *Store) DrainForRecipient(ctx context.Context, recipientID string) ([]*models.Message, error) {
	key := messageKey(recipientID)

	pipe := s.cli.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackingStore, "failed to drain delivery queue")
	}

	raw := rangeCmd.Val()
	messages := make([]*models.Message, 0, len(raw))
	for _, entry := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			s.logger.WithError(err).WithField("recipient", recipientID).Warn("Dropping undecodable buffered message")
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// RecipientCount reports the number of buffered messages without draining,
// for unread-badge counts.
func (s *Store) RecipientCount(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.cli.LLen(ctx, messageKey(recipientID)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeBackingStore, "failed to count buffered messages")
	}
	return n, nil
}

// BufferNotification appends to the recipient's notification buffer,
// parallel in structure to message buffering but with its own TTL.
func (s *Store) BufferNotification(ctx context.Context, recipientID string, n *models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to serialize notification")
	}

	key := notificationKey(recipientID)
	pipe := s.cli.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if s.cfg.MaxBuffered > 0 {
		pipe.LTrim(ctx, key, -s.cfg.MaxBuffered, -1)
	}
	pipe.Expire(ctx, key, s.cfg.NotificationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeBackingStore, "failed to buffer notification")
	}
	return nil
}

// DrainNotifications returns and clears the recipient's buffered
// notifications.
func (s *Store) DrainNotifications(ctx context.Context, recipientID string) ([]*models.Notification, error) {
	key := notificationKey(recipientID)

	pipe := s.cli.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackingStore, "failed to drain notifications")
	}

	raw := rangeCmd.Val()
	notifications := make([]*models.Notification, 0, len(raw))
	for _, entry := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(entry), &n); err != nil {
			s.logger.WithError(err).WithField("recipient", recipientID).Warn("Dropping undecodable buffered notification")
			continue
		}
		notifications = append(notifications, &n)
	}
	return notifications, nil
}

// SetOnline writes the presence record with a fresh TTL. Called on every
// transport connect, heartbeat and disconnect.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool) error {
	record := models.PresenceRecord{
		UserID:   userID,
		IsOnline: online,
		LastSeen: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to serialize presence record")
	}

	if err := s.cli.Set(ctx, presenceKey(userID), payload, s.cfg.PresenceTTL).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeBackingStore, "failed to write presence record")
	}
	return nil
}

// GetStatus returns the presence record for a user. An absent or expired
// record is the offline default, not an error.
func (s *Store) GetStatus(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	val, err := s.cli.Get(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return &models.PresenceRecord{UserID: userID, IsOnline: false, LastSeen: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBackingStore, "failed to read presence record")
	}

	var record models.PresenceRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to decode presence record")
	}
	return &record, nil
}
