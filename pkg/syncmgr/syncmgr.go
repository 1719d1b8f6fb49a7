package syncmgr

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/pkg/channel/types"
	"chatsync/pkg/outbox"

	"github.com/sirupsen/logrus"
)

// Sender delivers one outbox entry and returns the server-confirmed
// message id. A retryable error counts against the entry's budget; any
// other error drops the entry immediately.
type Sender interface {
	Send(ctx context.Context, entry *outbox.Entry) (string, error)
}

// SyncStatus is the snapshot pushed to listeners after every transition.
type SyncStatus struct {
	PendingMessages int       `json:"pendingMessages"`
	LastSyncTime    time.Time `json:"lastSyncTime"`
	IsOnline        bool      `json:"isOnline"`
	SyncInProgress  bool      `json:"syncInProgress"`
}

// Manager drives pending outbox entries through
// Pending -> Sending -> Confirmed / Pending(retry) / Dropped.
// At most one sync pass runs at a time; triggers during a pass are no-ops.
// There is no backoff between entries or passes: connectivity transitions
// and explicit triggers are the throttle.
type Manager struct {
	queue       *outbox.Queue
	sender      Sender
	logger      *logrus.Logger
	maxAttempts int

	mu        sync.Mutex
	online    bool
	syncing   bool
	listeners map[int]func(SyncStatus)
	nextID    int
}

func New(queue *outbox.Queue, sender Sender, logger *logrus.Logger) *Manager {
	return &Manager{
		queue:       queue,
		sender:      sender,
		logger:      logger,
		maxAttempts: constants.DefaultOutboxMaxAttempts,
		listeners:   make(map[int]func(SyncStatus)),
	}
}

// QueueMessage enqueues a message and kicks a sync pass when online. The
// entry is returned even when outbox persistence is degraded.
func (m *Manager) QueueMessage(ctx context.Context, recipientID, groupID, content, msgType string, attachments []types.Attachment, replyTo *string) (*outbox.Entry, error) {
	entry, err := m.queue.Enqueue(ctx, recipientID, groupID, content, msgType, attachments, replyTo)
	if entry == nil {
		return nil, err
	}
	if err != nil {
		m.logger.WithError(err).Warn("Message queued with degraded persistence")
	}

	m.notifyListeners(ctx)

	m.mu.Lock()
	online := m.online
	m.mu.Unlock()
	if online {
		go m.syncPass(ctx)
	}
	return entry, err
}

// SetOnline records a connectivity transition. Going from offline to
// online starts a sync pass.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()

	m.notifyListeners(ctx)

	if online && !wasOnline {
		go m.syncPass(ctx)
	}
}

// SyncNow triggers a sync pass. A pass already in flight absorbs the
// request.
func (m *Manager) SyncNow(ctx context.Context) {
	go m.syncPass(ctx)
}

// OnForeground is the app-resume trigger: sync if we believe we are
// online.
func (m *Manager) OnForeground(ctx context.Context) {
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()
	if online {
		go m.syncPass(ctx)
	}
}

// Status returns the current snapshot.
func (m *Manager) Status(ctx context.Context) SyncStatus {
	return m.snapshot(ctx)
}

// OnStatusChange registers a listener for status snapshots and returns its
// unsubscribe function.
func (m *Manager) OnStatusChange(fn func(SyncStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) snapshot(ctx context.Context) SyncStatus {
	pending, err := m.queue.Count(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to count pending messages")
	}
	lastSync, err := m.queue.LastSyncTime(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read last sync time")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return SyncStatus{
		PendingMessages: pending,
		LastSyncTime:    lastSync,
		IsOnline:        m.online,
		SyncInProgress:  m.syncing,
	}
}

func (m *Manager) notifyListeners(ctx context.Context) {
	status := m.snapshot(ctx)

	m.mu.Lock()
	listeners := make([]func(SyncStatus), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

// syncPass walks the pending entries once, oldest first. Each entry gets a
// single attempt per pass.
func (m *Manager) syncPass(ctx context.Context) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return
	}
	m.syncing = true
	m.mu.Unlock()

	m.notifyListeners(ctx)

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
		m.notifyListeners(ctx)
	}()

	entries, err := m.queue.ListPending(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list pending outbox entries")
		return
	}

	for _, entry := range entries {
		m.mu.Lock()
		online := m.online
		m.mu.Unlock()
		if !online {
			m.logger.Info("Went offline mid-pass, leaving remaining entries pending")
			break
		}
		m.sendOne(ctx, entry)
	}

	if err := m.queue.SetLastSyncTime(ctx, time.Now().UTC()); err != nil {
		m.logger.WithError(err).Warn("Failed to persist last sync time")
	}
}

func (m *Manager) sendOne(ctx context.Context, entry *outbox.Entry) {
	messageID, err := m.sender.Send(ctx, entry)
	if err == nil {
		if removeErr := m.queue.Remove(ctx, entry.ID); removeErr != nil {
			m.logger.WithError(removeErr).WithField("entry", entry.ID).Warn("Failed to remove confirmed entry")
		}
		m.logger.WithFields(logrus.Fields{
			"entry":      entry.ID,
			"message_id": messageID,
		}).Info("Outbox entry confirmed")
		return
	}

	if !errors.IsRetryable(err) {
		m.logger.WithError(err).WithField("entry", entry.ID).Warn("Terminal send failure, dropping entry")
		m.drop(ctx, entry)
		return
	}

	if entry.RetryCount+1 >= m.maxAttempts {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"entry":    entry.ID,
			"attempts": entry.RetryCount + 1,
		}).Warn("Retry budget exhausted, dropping entry")
		m.drop(ctx, entry)
		return
	}

	if incErr := m.queue.IncrementRetry(ctx, entry.ID); incErr != nil {
		m.logger.WithError(incErr).WithField("entry", entry.ID).Warn("Failed to record retry")
	}
	m.logger.WithError(err).WithFields(logrus.Fields{
		"entry":   entry.ID,
		"attempt": entry.RetryCount + 1,
	}).Info("Transient send failure, entry stays pending")
}

func (m *Manager) drop(ctx context.Context, entry *outbox.Entry) {
	if err := m.queue.Remove(ctx, entry.ID); err != nil {
		m.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to remove dropped entry")
	}
}
