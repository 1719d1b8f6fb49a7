package models

import "time"

// PresenceRecord is the short-TTL liveness signal. Absence of a record in
// the store is equivalent to offline.
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Notification is an out-of-band event buffered for an unreachable user,
// drained on reconnect the same way buffered messages are.
type Notification struct {
	Kind       string    `json:"kind"`
	FromUserID string    `json:"fromUserId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
