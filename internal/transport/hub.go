package transport

import (
	"sync"

	"chatsync/internal/metrics"
	"chatsync/pkg/channel/types"

	"github.com/sirupsen/logrus"
)

// Hub tracks live sessions by user id and a subscription index by
// conversation id. It is the only transport state shared across sessions;
// all access goes through the mutex.
type Hub struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	conversations map[string]map[string]*Session
	logger        *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		sessions:      make(map[string]*Session),
		conversations: make(map[string]map[string]*Session),
		logger:        logger,
	}
}

// Register adds a session, displacing any previous session for the same
// user. The displaced connection is closed; its delivery queue entries are
// already drained, so nothing is lost.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	previous := h.sessions[s.userID]
	h.sessions[s.userID] = s
	h.mu.Unlock()

	if previous != nil {
		previous.close()
		h.logger.WithField("user", s.userID).Info("Displaced previous session for user")
	}

	metrics.OnlineConns.Inc()
}

// Unregister removes a session and all its subscriptions. A session that
// was already displaced by a newer one for the same user is left alone.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if current, ok := h.sessions[s.userID]; ok && current == s {
		delete(h.sessions, s.userID)
	}
	for convID, members := range h.conversations {
		if members[s.userID] == s {
			delete(members, s.userID)
			if len(members) == 0 {
				delete(h.conversations, convID)
			}
		}
	}
	h.mu.Unlock()

	metrics.OnlineConns.Dec()
}

// Subscribe adds the session to a conversation's fan-out set.
func (h *Hub) Subscribe(s *Session, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.conversations[conversationID]
	if !ok {
		members = make(map[string]*Session)
		h.conversations[conversationID] = members
	}
	members[s.userID] = s
}

// Unsubscribe removes the session from a conversation's fan-out set.
func (h *Hub) Unsubscribe(s *Session, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.conversations[conversationID]
	if !ok {
		return
	}
	if members[s.userID] == s {
		delete(members, s.userID)
		if len(members) == 0 {
			delete(h.conversations, conversationID)
		}
	}
}

// PushToUser queues a frame on the user's live session. Returns false when
// the user has no session or the session's outbound queue is full; the
// caller decides whether to buffer durably instead.
func (h *Hub) PushToUser(userID string, event types.EventType, payload interface{}) bool {
	h.mu.RLock()
	s, ok := h.sessions[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.push(s, event, payload)
}

// PushToConversation queues a frame on every subscribed session except
// excludeUserID and reports how many sessions accepted it.
func (h *Hub) PushToConversation(conversationID string, event types.EventType, payload interface{}, excludeUserID string) int {
	h.mu.RLock()
	members := h.conversations[conversationID]
	targets := make([]*Session, 0, len(members))
	for userID, s := range members {
		if userID == excludeUserID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if h.push(s, event, payload) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) push(s *Session, event types.EventType, payload interface{}) bool {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode outbound frame")
		return false
	}

	select {
	case s.out <- frame:
		return true
	default:
		// Slow consumer: drop the frame rather than block the hub.
		metrics.PushBackpressure.Inc()
		h.logger.WithFields(logrus.Fields{
			"user":  s.userID,
			"event": event,
		}).Warn("Outbound queue full, dropping frame")
		return false
	}
}

// OnlineCount reports the number of live sessions.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
