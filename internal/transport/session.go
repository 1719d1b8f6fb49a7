package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/pkg/channel/types"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// MessageAPI is the slice of the domain service the transport drives for
// inbound frames.
type MessageAPI interface {
	CreateDirect(ctx context.Context, id, senderID, recipientID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error)
	CreateGroup(ctx context.Context, id, senderID, groupID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error)
	MarkRead(ctx context.Context, messageID, userID string) (bool, error)
}

// EventFanout relays conversation-scoped events that never touch storage.
type EventFanout interface {
	BroadcastTyping(conversationID, userID string, typing bool)
	BroadcastPresence(conversationIDs []string, record *models.PresenceRecord)
}

// SessionStore is the queue-side surface a session needs on connect,
// heartbeat and disconnect.
type SessionStore interface {
	DrainForRecipient(ctx context.Context, recipientID string) ([]*models.Message, error)
	DrainNotifications(ctx context.Context, recipientID string) ([]*models.Notification, error)
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Config carries the transport timeouts and queue bounds.
type Config struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
}

// Handler upgrades websocket requests and runs the per-connection session
// loops.
type Handler struct {
	hub      *Hub
	tokens   *auth.TokenManager
	messages MessageAPI
	fanout   EventFanout
	store    SessionStore
	cfg      Config
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, tokens *auth.TokenManager, messages MessageAPI, fanout EventFanout, store SessionStore, cfg Config, logger *logrus.Logger) *Handler {
	return &Handler{
		hub:      hub,
		tokens:   tokens,
		messages: messages,
		fanout:   fanout,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the token query parameter, upgrades the
// connection and replays everything buffered while the user was away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.WithError(err).Warn("Websocket auth rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	s := &Session{
		userID:  userID,
		conn:    conn,
		out:     make(chan types.Frame, h.cfg.OutboundQueueSize),
		joined:  make(map[string]struct{}),
		handler: h,
		logger:  h.logger.WithField("user", userID),
	}

	h.hub.Register(s)
	if err := h.store.SetOnline(r.Context(), userID, true); err != nil {
		s.logger.WithError(err).Warn("Failed to mark user online")
	}

	s.replayBuffered(r.Context())

	go s.writePump()
	go s.readPump()
}

// Session is one live websocket connection. The out channel is the only
// path to the wire; writePump owns the connection for writes.
type Session struct {
	userID  string
	conn    *websocket.Conn
	out     chan types.Frame
	handler *Handler
	logger  *logrus.Entry

	mu     sync.Mutex
	joined map[string]struct{}

	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// replayBuffered drains the durable delivery queue and the notification
// buffer into the fresh connection. Runs once per connect, before the
// pumps start, writing straight to the connection: the drain already
// removed the entries from redis, so a frame dropped here is lost for
// good. Only live pushes may drop on backpressure.
func (s *Session) replayBuffered(ctx context.Context) {
	msgs, err := s.handler.store.DrainForRecipient(ctx, s.userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to drain delivery queue")
	}
	notifications, err := s.handler.store.DrainNotifications(ctx, s.userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to drain notifications")
	}

	for i, msg := range msgs {
		if err := s.writeDirect(types.EventMessage, msg); err != nil {
			s.logger.WithError(err).WithField("lost", len(msgs)-i+len(notifications)).Error("Replay write failed, drained events lost")
			return
		}
		metrics.MessagesDrained.Inc()
	}
	for i, n := range notifications {
		if err := s.writeDirect(types.EventNotification, n); err != nil {
			s.logger.WithError(err).WithField("lost", len(notifications)-i).Error("Replay write failed, drained events lost")
			return
		}
	}

	if len(msgs) > 0 || len(notifications) > 0 {
		s.logger.WithFields(logrus.Fields{
			"messages":      len(msgs),
			"notifications": len(notifications),
		}).Info("Replayed buffered events to reconnecting user")
	}
}

// writeDirect writes a frame on the caller's goroutine. Only safe before
// writePump starts. An encoding failure skips the frame; a write failure
// is returned.
func (s *Session) writeDirect(event types.EventType, payload interface{}) error {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Failed to encode frame")
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.cfg.WriteTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *Session) send(event types.EventType, payload interface{}) {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Failed to encode frame")
		return
	}
	select {
	case s.out <- frame:
	default:
		metrics.PushBackpressure.Inc()
		s.logger.WithField("event", event).Warn("Outbound queue full, dropping frame")
	}
}

func (s *Session) sendError(code errors.ErrorCode, message string) {
	s.send(types.EventError, types.ErrorPayload{Code: string(code), Message: message})
}

func (s *Session) readPump() {
	defer s.teardown()

	readDeadline := 2*s.handler.cfg.HeartbeatInterval + s.handler.cfg.WriteTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		var frame types.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Websocket read ended")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame types.Frame) {
	ctx := context.Background()

	switch frame.Event {
	case types.EventJoin:
		var p types.JoinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.ConversationID == "" {
			s.sendError(errors.ErrCodeInvalidInput, "join requires a conversation id")
			return
		}
		s.handler.hub.Subscribe(s, p.ConversationID)
		s.mu.Lock()
		s.joined[p.ConversationID] = struct{}{}
		s.mu.Unlock()

	case types.EventLeave:
		var p types.JoinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.ConversationID == "" {
			s.sendError(errors.ErrCodeInvalidInput, "leave requires a conversation id")
			return
		}
		s.handler.hub.Unsubscribe(s, p.ConversationID)
		s.mu.Lock()
		delete(s.joined, p.ConversationID)
		s.mu.Unlock()

	case types.EventSend:
		s.handleSend(ctx, frame.Data)

	case types.EventReadReceipt:
		var p types.ReadReceiptPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.MessageID == "" {
			s.sendError(errors.ErrCodeInvalidInput, "read receipt requires a message id")
			return
		}
		if _, err := s.handler.messages.MarkRead(ctx, p.MessageID, s.userID); err != nil {
			s.sendError(errors.GetCode(err), "failed to mark message read")
		}

	case types.EventTypingStart, types.EventTypingStop:
		var p types.TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.ConversationID == "" {
			s.sendError(errors.ErrCodeInvalidInput, "typing requires a conversation id")
			return
		}
		s.handler.fanout.BroadcastTyping(p.ConversationID, s.userID, frame.Event == types.EventTypingStart)

	case types.EventPing:
		if err := s.handler.store.SetOnline(ctx, s.userID, true); err != nil {
			s.logger.WithError(err).Warn("Failed to refresh presence on heartbeat")
		}
		s.send(types.EventPong, nil)

	default:
		s.sendError(errors.ErrCodeInvalidInput, "unknown event: "+string(frame.Event))
	}
}

func (s *Session) handleSend(ctx context.Context, data json.RawMessage) {
	var p types.SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.sendError(errors.ErrCodeInvalidInput, "malformed send payload")
		return
	}

	msgType := models.MessageType(p.Type)
	if p.Type == "" {
		msgType = models.TextMessage
	}
	attachments := make([]models.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		attachments = append(attachments, models.Attachment{ID: a.ID, MimeType: a.MimeType, SizeKB: a.SizeKB, URL: a.URL})
	}

	var msg *models.Message
	var err error
	if p.GroupID != "" {
		msg, err = s.handler.messages.CreateGroup(ctx, p.ID, s.userID, p.GroupID, p.Content, msgType, attachments, p.ReplyTo)
	} else {
		msg, err = s.handler.messages.CreateDirect(ctx, p.ID, s.userID, p.RecipientID, p.Content, msgType, attachments, p.ReplyTo)
	}
	if err != nil {
		s.sendError(errors.GetCode(err), "failed to create message")
		return
	}

	s.send(types.EventAck, types.AckPayload{MessageID: msg.ID})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.handler.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case frame, ok := <-s.out:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.cfg.WriteTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.WithError(err).Debug("Websocket write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs when the read loop ends: presence goes offline best-effort,
// subscribers of the user's conversations hear about it, and the session
// leaves the hub.
func (s *Session) teardown() {
	s.mu.Lock()
	joined := make([]string, 0, len(s.joined))
	for convID := range s.joined {
		joined = append(joined, convID)
	}
	s.mu.Unlock()

	record := &models.PresenceRecord{UserID: s.userID, IsOnline: false, LastSeen: time.Now().UTC()}
	s.handler.fanout.BroadcastPresence(joined, record)

	if err := s.handler.store.SetOnline(context.Background(), s.userID, false); err != nil {
		s.logger.WithError(err).Warn("Failed to mark user offline")
	}

	s.handler.hub.Unregister(s)
	s.close()
	s.logger.Info("Session closed")
}
