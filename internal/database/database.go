package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"chatsync/internal/migrations"
	"chatsync/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertMessage persists a message. The insert is idempotent on the
// client-assigned id: replaying the same message is a no-op and the call
// reports inserted=false.
func (d *Database) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	encryptedContent, err := d.encryptor.EncryptIfEnabled(msg.Content)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt content: %w", err)
	}

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return false, fmt.Errorf("failed to marshal attachments: %w", err)
	}
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return false, fmt.Errorf("failed to marshal read-by set: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, sender_id, recipient_id, group_id, content, type,
			attachments, reply_to, read_by, created_at, edited_at, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := d.db.ExecContext(ctx, query,
		msg.ID,
		msg.SenderID,
		nullable(msg.RecipientID),
		nullable(msg.GroupID),
		encryptedContent,
		string(msg.Type),
		string(attachments),
		msg.ReplyTo,
		string(readBy),
		msg.CreatedAt,
		msg.EditedAt,
		msg.Deleted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

// GetMessage returns the message with the given id, or nil when absent.
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `
		SELECT id, sender_id, recipient_id, group_id, content, type,
			   attachments, reply_to, read_by, created_at, edited_at, deleted
		FROM messages
		WHERE id = ?
	`
	msg, err := d.scanMessage(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// UpdateReadBy replaces the stored read-by set for a message.
func (d *Database) UpdateReadBy(ctx context.Context, id string, readBy []string) error {
	encoded, err := json.Marshal(readBy)
	if err != nil {
		return fmt.Errorf("failed to marshal read-by set: %w", err)
	}

	result, err := d.db.ExecContext(ctx, `UPDATE messages SET read_by = ? WHERE id = ?`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("failed to update read-by set: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no message found with ID: %s", id)
	}
	return nil
}

// EditMessage updates content guarded on (id, sender_id). The guard enforces
// sender-only authorization in the same statement as the update, leaving no
// window between check and write. Returns the number of rows changed.
func (d *Database) EditMessage(ctx context.Context, id, senderID, content string, editedAt time.Time) (int64, error) {
	encryptedContent, err := d.encryptor.EncryptIfEnabled(content)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt content: %w", err)
	}

	query := `
		UPDATE messages
		SET content = ?, edited_at = ?
		WHERE id = ? AND sender_id = ? AND deleted = 0
	`
	result, err := d.db.ExecContext(ctx, query, encryptedContent, editedAt, id, senderID)
	if err != nil {
		return 0, fmt.Errorf("failed to edit message: %w", err)
	}
	return result.RowsAffected()
}

// SoftDeleteMessage flags a message deleted, guarded on (id, sender_id).
func (d *Database) SoftDeleteMessage(ctx context.Context, id, senderID string) (int64, error) {
	query := `
		UPDATE messages
		SET deleted = 1
		WHERE id = ? AND sender_id = ? AND deleted = 0
	`
	result, err := d.db.ExecContext(ctx, query, id, senderID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", err)
	}
	return result.RowsAffected()
}

// ListDirect returns the direct conversation between two users, newest
// first, excluding soft-deleted rows.
func (d *Database) ListDirect(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error) {
	query := `
		SELECT id, sender_id, recipient_id, group_id, content, type,
			   attachments, reply_to, read_by, created_at, edited_at, deleted
		FROM messages
		WHERE ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
		  AND deleted = 0
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := d.db.QueryContext(ctx, query, userA, userB, userB, userA, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// UnreadCount counts direct messages addressed to userID not yet in that
// user's read-by set.
func (d *Database) UnreadCount(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE recipient_id = ? AND deleted = 0 AND read_by NOT LIKE ? ESCAPE '\'
	`
	// LIKE wildcards in the user id would match unrelated readers.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(userID)
	pattern := `%"` + escaped + `"%`

	var count int
	if err := d.db.QueryRowContext(ctx, query, userID, pattern).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// CleanupSoftDeleted purges rows that were soft-deleted more than
// retentionDays ago. Live messages are never physically removed.
func (d *Database) CleanupSoftDeleted(ctx context.Context, retentionDays int) error {
	query := `
		DELETE FROM messages
		WHERE deleted = 1 AND created_at < datetime('now', '-' || ? || ' days')
	`
	if _, err := d.db.ExecContext(ctx, query, retentionDays); err != nil {
		return fmt.Errorf("failed to cleanup soft-deleted messages: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var recipientID, groupID sql.NullString
	var encryptedContent, attachments, readBy string
	var editedAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&recipientID,
		&groupID,
		&encryptedContent,
		&msg.Type,
		&attachments,
		&msg.ReplyTo,
		&readBy,
		&msg.CreatedAt,
		&editedAt,
		&msg.Deleted,
	)
	if err != nil {
		return nil, err
	}

	msg.RecipientID = recipientID.String
	msg.GroupID = groupID.String
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}

	msg.Content, err = d.encryptor.DecryptIfEnabled(encryptedContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content: %w", err)
	}

	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(readBy), &msg.ReadBy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal read-by set: %w", err)
	}

	return msg, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
