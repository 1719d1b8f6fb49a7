package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/errors"
	"chatsync/internal/middleware"
	"chatsync/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type contextKey string

const userIDKey contextKey = "userID"

// messageService is the slice of the domain service the REST surface
// drives.
type messageService interface {
	CreateDirect(ctx context.Context, id, senderID, recipientID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error)
	CreateGroup(ctx context.Context, id, senderID, groupID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error)
	MarkRead(ctx context.Context, messageID, userID string) (bool, error)
	Edit(ctx context.Context, messageID, userID, content string) (*models.Message, error)
	Delete(ctx context.Context, messageID, userID string) (*models.Message, error)
	ListDirect(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Server is the HTTP surface: the REST fallback API, the websocket
// endpoint, health and metrics.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	messages   messageService
	tokens     *auth.TokenManager
	logger     *logrus.Logger
}

func NewServer(cfg *models.Config, messages messageService, wsHandler http.Handler, tokens *auth.TokenManager, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		messages: messages,
		tokens:   tokens,
		logger:   logger,
	}
	s.routes(wsHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}
	return s
}

func (s *Server) routes(wsHandler http.Handler) {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.Handle("/ws", wsHandler).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/messages", s.handleCreateMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/unread/count", s.handleUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.handleEditMessage).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/direct/{peer}/messages", s.handleListDirect).Methods(http.MethodGet)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireAuth validates the bearer token and stashes the user id in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, errors.New(errors.ErrCodeAuthentication, "missing bearer token"))
			return
		}

		userID, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

type createMessageRequest struct {
	ID          string              `json:"id"`
	RecipientID string              `json:"recipientId"`
	GroupID     string              `json:"groupId"`
	Content     string              `json:"content"`
	Type        string              `json:"type"`
	Attachments []models.Attachment `json:"attachments"`
	ReplyTo     *string             `json:"replyTo"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.ErrCodeInvalidInput, "malformed request body"))
		return
	}

	msgType := models.MessageType(req.Type)
	if req.Type == "" {
		msgType = models.TextMessage
	}

	sender := userFromContext(r.Context())
	var msg *models.Message
	var err error
	if req.GroupID != "" {
		msg, err = s.messages.CreateGroup(r.Context(), req.ID, sender, req.GroupID, req.Content, msgType, req.Attachments, req.ReplyTo)
	} else {
		msg, err = s.messages.CreateDirect(r.Context(), req.ID, sender, req.RecipientID, req.Content, msgType, req.Attachments, req.ReplyTo)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]

	changed, err := s.messages.MarkRead(r.Context(), messageID, userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": messageID,
		"changed":   changed,
	})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.ErrCodeInvalidInput, "malformed request body"))
		return
	}

	msg, err := s.messages.Edit(r.Context(), mux.Vars(r)["id"], userFromContext(r.Context()), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.Delete(r.Context(), mux.Vars(r)["id"], userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListDirect(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	msgs, err := s.messages.ListDirect(r.Context(), userFromContext(r.Context()), peer, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.messages.UnreadCount(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeAuthentication:
		status = http.StatusUnauthorized
	case errors.ErrCodeAuthorization:
		status = http.StatusForbidden
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeTransientDelivery, errors.ErrCodeBackingStore:
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		s.logger.WithError(err).Error("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}
