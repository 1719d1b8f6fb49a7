package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/pkg/channel/types"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	id TEXT PRIMARY KEY,
	recipient_id TEXT,
	group_id TEXT,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	attachments TEXT NOT NULL DEFAULT '[]',
	reply_to TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const lastSyncKey = "last_sync_time"

// Entry is one message waiting to be sent. The id carries the reserved
// outbox prefix until the server confirms the send.
type Entry struct {
	ID          string
	RecipientID string
	GroupID     string
	Content     string
	Type        string
	Attachments []types.Attachment
	ReplyTo     *string
	RetryCount  int
	EnqueuedAt  time.Time
}

// SendPayload converts the entry to its wire form. The outbox prefix is a
// local marker only: the wire carries the bare uuid, so the stored id of a
// confirmed message never reads as still-sending, and replays of the same
// entry stay idempotent.
func (e *Entry) SendPayload() types.SendPayload {
	return types.SendPayload{
		ID:          strings.TrimPrefix(e.ID, constants.OutboxIDPrefix),
		RecipientID: e.RecipientID,
		GroupID:     e.GroupID,
		Content:     e.Content,
		Type:        e.Type,
		Attachments: e.Attachments,
		ReplyTo:     e.ReplyTo,
	}
}

// Queue is the client-side persistent outbox. Entries survive restarts in
// a local sqlite file; when the file itself cannot be written, entries are
// held in memory so a send is never refused outright.
type Queue struct {
	db     *sql.DB
	logger *logrus.Logger

	mu          sync.Mutex
	overflow    []*Entry
	subscribers map[int]func(pending int)
	nextSubID   int
}

func New(dbPath string, logger *logrus.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize outbox schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}
	return &Queue{
		db:          db,
		logger:      logger,
		subscribers: make(map[int]func(int)),
	}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// IsOutboxMessage reports whether id was generated by Enqueue and is still
// awaiting server confirmation.
func IsOutboxMessage(id string) bool {
	return strings.HasPrefix(id, constants.OutboxIDPrefix)
}

// Enqueue stores a message for later delivery. It always hands back an
// entry: if the sqlite write fails the entry is kept in memory, a warning
// is logged, and the returned error tells the caller persistence is
// degraded without invalidating the entry.
func (q *Queue) Enqueue(ctx context.Context, recipientID, groupID, content, msgType string, attachments []types.Attachment, replyTo *string) (*Entry, error) {
	if (recipientID == "") == (groupID == "") {
		return nil, errors.New(errors.ErrCodeInvalidInput, "message must target exactly one of recipient and group")
	}
	if msgType == "" {
		msgType = "text"
	}

	entry := &Entry{
		ID:          constants.OutboxIDPrefix + uuid.NewString(),
		RecipientID: recipientID,
		GroupID:     groupID,
		Content:     content,
		Type:        msgType,
		Attachments: attachments,
		ReplyTo:     replyTo,
		EnqueuedAt:  time.Now().UTC(),
	}

	if err := q.persist(ctx, entry); err != nil {
		q.mu.Lock()
		q.overflow = append(q.overflow, entry)
		q.mu.Unlock()
		q.logger.WithError(err).WithField("entry", entry.ID).Warn("Outbox persistence failed, holding entry in memory")
		q.notify(ctx)
		return entry, errors.Wrap(err, errors.ErrCodeBackingStore, "outbox entry held in memory only")
	}

	q.notify(ctx)
	return entry, nil
}

func (q *Queue) persist(ctx context.Context, entry *Entry) error {
	attachments, err := encodeAttachments(entry.Attachments)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (id, recipient_id, group_id, content, type, attachments, reply_to, retry_count, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecipientID, entry.GroupID, entry.Content, entry.Type, attachments, entry.ReplyTo, entry.RetryCount, entry.EnqueuedAt,
	)
	return err
}

// ListPending returns all entries oldest first. In-memory overflow entries
// follow the persisted ones, which preserves enqueue order because
// overflow only ever grows at the tail.
func (q *Queue) ListPending(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, recipient_id, group_id, content, type, attachments, reply_to, retry_count, enqueued_at
		FROM outbox_entries
		ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var attachments string
		if err := rows.Scan(&entry.ID, &entry.RecipientID, &entry.GroupID, &entry.Content, &entry.Type, &attachments, &entry.ReplyTo, &entry.RetryCount, &entry.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		if entry.Attachments, err = decodeAttachments(attachments); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox entries: %w", err)
	}

	q.mu.Lock()
	entries = append(entries, q.overflow...)
	q.mu.Unlock()
	return entries, nil
}

// Count reports the number of pending entries, overflow included.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var persisted int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_entries`).Scan(&persisted); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return persisted + len(q.overflow), nil
}

// Remove deletes an entry after confirmation or budget exhaustion.
// Removing an id that is already gone is a no-op.
func (q *Queue) Remove(ctx context.Context, entryID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to remove outbox entry: %w", err)
	}

	q.mu.Lock()
	for i, entry := range q.overflow {
		if entry.ID == entryID {
			q.overflow = append(q.overflow[:i], q.overflow[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.notify(ctx)
	return nil
}

// IncrementRetry bumps the entry's retry counter.
func (q *Queue) IncrementRetry(ctx context.Context, entryID string) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE outbox_entries SET retry_count = retry_count + 1 WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}

	q.mu.Lock()
	for _, entry := range q.overflow {
		if entry.ID == entryID {
			entry.RetryCount++
		}
	}
	q.mu.Unlock()
	return nil
}

// LastSyncTime returns the persisted time of the last completed sync pass,
// zero when no pass has ever completed.
func (q *Queue) LastSyncTime(ctx context.Context) (time.Time, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, lastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, nil
}

// SetLastSyncTime persists the completion time of a sync pass.
func (q *Queue) SetLastSyncTime(ctx context.Context, t time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to persist last sync time: %w", err)
	}
	return nil
}

// OnQueueChange registers a subscriber for pending-count changes and
// returns its unsubscribe function.
func (q *Queue) OnQueueChange(fn func(pending int)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = fn

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subscribers, id)
	}
}

func encodeAttachments(attachments []types.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(data), nil
}

func decodeAttachments(raw string) ([]types.Attachment, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var attachments []types.Attachment
	if err := json.Unmarshal([]byte(raw), &attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	return attachments, nil
}

func (q *Queue) notify(ctx context.Context) {
	count, err := q.Count(ctx)
	if err != nil {
		q.logger.WithError(err).Warn("Failed to count outbox entries for notification")
		return
	}

	q.mu.Lock()
	subscribers := make([]func(int), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		subscribers = append(subscribers, fn)
	}
	q.mu.Unlock()

	for _, fn := range subscribers {
		fn(count)
	}
}
