package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/errors"
	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessageService struct {
	lastSender string
	lastLimit  int
	lastOffset int
	err        error
}

func (f *fakeMessageService) CreateDirect(ctx context.Context, id, senderID, recipientID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastSender = senderID
	return &models.Message{ID: id, SenderID: senderID, RecipientID: recipientID, Content: content, Type: msgType, CreatedAt: time.Now().UTC()}, nil
}

func (f *fakeMessageService) CreateGroup(ctx context.Context, id, senderID, groupID, content string, msgType models.MessageType, attachments []models.Attachment, replyTo *string) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastSender = senderID
	return &models.Message{ID: id, SenderID: senderID, GroupID: groupID, Content: content, Type: msgType, CreatedAt: time.Now().UTC()}, nil
}

func (f *fakeMessageService) MarkRead(ctx context.Context, messageID, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

func (f *fakeMessageService) Edit(ctx context.Context, messageID, userID, content string) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{ID: messageID, SenderID: userID, RecipientID: "bob", Content: content, Type: models.TextMessage}, nil
}

func (f *fakeMessageService) Delete(ctx context.Context, messageID, userID string) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{ID: messageID, SenderID: userID, RecipientID: "bob", Type: models.TextMessage, Deleted: true}, nil
}

func (f *fakeMessageService) ListDirect(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastLimit = limit
	f.lastOffset = offset
	return []*models.Message{{ID: "m1", SenderID: userA, RecipientID: userB, Type: models.TextMessage}}, nil
}

func (f *fakeMessageService) UnreadCount(ctx context.Context, userID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

type serverFixture struct {
	srv    *httptest.Server
	svc    *fakeMessageService
	tokens *auth.TokenManager
	token  string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	cfg := &models.Config{}
	cfg.Server.Port = 0
	cfg.Server.ReadTimeoutSec = 5
	cfg.Server.WriteTimeoutSec = 5
	cfg.Server.IdleTimeoutSec = 5

	f := &serverFixture{
		svc:    &fakeMessageService{},
		tokens: auth.NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour),
	}
	server := NewServer(cfg, f.svc, http.NotFoundHandler(), f.tokens, logger)
	f.srv = httptest.NewServer(server.router)
	t.Cleanup(f.srv.Close)

	token, err := f.tokens.Issue("alice")
	require.NoError(t, err)
	f.token = token
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI_RequiresAuth(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"recipientId": "bob", "content": "hi"}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateMessage_Direct(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{
		"id": "m1", "recipientId": "bob", "content": "hello",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msg models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "alice", msg.SenderID, "sender comes from the token, not the payload")
	assert.Equal(t, "alice", f.svc.lastSender)
}

func TestCreateMessage_Group(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{
		"id": "m2", "groupId": "g1", "content": "hello group",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msg models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "g1", msg.GroupID)
}

func TestCreateMessage_InvalidInputIs400(t *testing.T) {
	f := newServerFixture(t)
	f.svc.err = errors.New(errors.ErrCodeInvalidInput, "message must target a recipient or a group")

	resp := f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"content": "no target"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "INVALID_INPUT", body["error"]["code"])
}

func TestMarkRead(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/messages/m1/read", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "m1", body["messageId"])
	assert.Equal(t, true, body["changed"])
}

func TestEdit_AuthorizationErrorIs403(t *testing.T) {
	f := newServerFixture(t)
	f.svc.err = errors.NewAuthorization("only the sender can modify a message")

	resp := f.do(t, http.MethodPut, "/api/v1/messages/m1", map[string]string{"content": "nope"}, true)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDelete_NotFoundIs404(t *testing.T) {
	f := newServerFixture(t)
	f.svc.err = errors.NewNotFound("missing")

	resp := f.do(t, http.MethodDelete, "/api/v1/messages/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDelete_ReturnsTombstone(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodDelete, "/api/v1/messages/m1", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.True(t, msg.Deleted)
}

func TestListDirect_ParsesPagination(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/conversations/direct/bob/messages?limit=25&offset=10", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 25, f.svc.lastLimit)
	assert.Equal(t, 10, f.svc.lastOffset)

	var body struct {
		Messages []*models.Message `json:"messages"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
}

func TestUnreadCount(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/messages/unread/count", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 7, body["count"])
}

func TestTransientFailureIs503(t *testing.T) {
	f := newServerFixture(t)
	f.svc.err = errors.NewTransientDelivery(assert.AnError, "store down")

	resp := f.do(t, http.MethodGet, "/api/v1/messages/unread/count", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
