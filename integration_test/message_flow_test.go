package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/database"
	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/queue"
	"chatsync/internal/service"
	"chatsync/internal/transport"
	"chatsync/pkg/channel/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// testStack wires the real storage, queue, delivery and transport layers
// together the way the server binary does.
type testStack struct {
	db       *database.Database
	buffers  *queue.Store
	hub      *transport.Hub
	messages *service.MessageService
	tokens   *auth.TokenManager
	server   *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	buffers := queue.New(cli, queue.Config{
		MessageTTL:      7 * 24 * time.Hour,
		NotificationTTL: 3 * 24 * time.Hour,
		PresenceTTL:     5 * time.Minute,
		MaxBuffered:     1000,
	}, logger)

	hub := transport.NewHub(logger)
	delivery := service.NewDeliveryService(buffers, hub, logger)
	messages := service.NewMessageService(db, delivery, logger)
	tokens := auth.NewTokenManager(testJWTSecret, time.Hour)

	handler := transport.NewHandler(hub, tokens, messages, delivery, buffers, transport.Config{
		HeartbeatInterval: time.Second,
		WriteTimeout:      2 * time.Second,
		OutboundQueueSize: 32,
	}, logger)

	stack := &testStack{
		db:       db,
		buffers:  buffers,
		hub:      hub,
		messages: messages,
		tokens:   tokens,
		server:   httptest.NewServer(handler),
	}
	t.Cleanup(stack.server.Close)
	return stack
}

func (s *testStack) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := s.tokens.Issue(userID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) types.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame types.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestOfflineBufferingAndReplay(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	// Bob is offline: the message lands in the durable queue.
	_, err := stack.messages.CreateDirect(ctx, "m1", "alice", "bob", "while you were out", models.TextMessage, nil, nil)
	require.NoError(t, err)

	count, err := stack.buffers.RecipientCount(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// Bob reconnects and receives the buffered message exactly once.
	conn := stack.dial(t, "bob")

	frame := readFrame(t, conn)
	require.Equal(t, types.EventMessage, frame.Event)
	assert.Contains(t, string(frame.Data), "while you were out")

	notif := readFrame(t, conn)
	assert.Equal(t, types.EventNotification, notif.Event)

	count, err = stack.buffers.RecipientCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count, "drain clears the queue")
}

func TestOnlineRecipientGetsLivePush(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	conn := stack.dial(t, "bob")
	require.Eventually(t, func() bool {
		return stack.hub.OnlineCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, err := stack.messages.CreateDirect(ctx, "m1", "alice", "bob", "live", models.TextMessage, nil, nil)
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, types.EventMessage, frame.Event)

	count, err := stack.buffers.RecipientCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count, "nothing buffered for a live recipient")
}

func TestIdempotentReplayAcrossStack(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	first, err := stack.messages.CreateDirect(ctx, "m1", "alice", "bob", "original", models.TextMessage, nil, nil)
	require.NoError(t, err)

	replayed, err := stack.messages.CreateDirect(ctx, "m1", "alice", "bob", "replayed", models.TextMessage, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID)
	assert.Equal(t, "original", replayed.Content)

	count, err := stack.buffers.RecipientCount(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "the replay does not buffer a second copy")
}

func TestSenderGuardAgainstRealStore(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	_, err := stack.messages.CreateDirect(ctx, "m1", "alice", "bob", "mine", models.TextMessage, nil, nil)
	require.NoError(t, err)

	_, err = stack.messages.Edit(ctx, "m1", "mallory", "hijacked")
	require.Error(t, err)
	assert.True(t, errors.IsAuthorization(err))

	msg, err := stack.db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "mine", msg.Content, "failed edit leaves content untouched")

	_, err = stack.messages.Delete(ctx, "m1", "mallory")
	require.Error(t, err)
	assert.True(t, errors.IsAuthorization(err))

	deleted, err := stack.messages.Delete(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
}

func TestMarkReadIdempotentAcrossStack(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	_, err := stack.messages.CreateDirect(ctx, "m1", "alice", "bob", "read me", models.TextMessage, nil, nil)
	require.NoError(t, err)

	changed, err := stack.messages.MarkRead(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = stack.messages.MarkRead(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	msg, err := stack.db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, msg.ReadBy)

	unread, err := stack.messages.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread)
}
