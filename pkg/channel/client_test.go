package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/pkg/channel/types"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts websocket connections, records every inbound frame and
// can push frames or drop connections to exercise the reconnect path.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	frames    []types.Frame
	connCount int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.connCount++
		f.mu.Unlock()

		for {
			var frame types.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, frame)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCount
}

func (f *fakeServer) joinedConversations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var joined []string
	for _, frame := range f.frames {
		if frame.Event == types.EventJoin {
			joined = append(joined, string(frame.Data))
		}
	}
	return joined
}

func (f *fakeServer) frameCount(event types.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.frames {
		if frame.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeServer) dropLatest() {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *fakeServer) pushToLatest(t *testing.T, event types.EventType, payload interface{}) {
	t.Helper()
	frame, err := types.NewFrame(event, payload)
	require.NoError(t, err)
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(t, conn.WriteJSON(frame))
}

func newTestClient(t *testing.T, server *fakeServer, token string) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	c := NewClient(Config{
		URL:                  server.url(),
		Token:                token,
		ReconnectMaxAttempts: 3,
		ReconnectDelay:       20 * time.Millisecond,
		ConnectTimeout:       2 * time.Second,
		WriteTimeout:         2 * time.Second,
	}, logger)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnect_AuthRejectionSurfaces(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "bad")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnect_Succeeds(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "good")

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	err := c.Connect(context.Background())
	require.Error(t, err, "double connect is rejected")
}

func TestDispatch_HandlersRunAndPanicsAreIsolated(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "good")
	require.NoError(t, c.Connect(context.Background()))

	received := make(chan types.Frame, 1)
	c.On(types.EventMessage, func(frame types.Frame) {
		panic("handler bug")
	})
	c.On(types.EventMessage, func(frame types.Frame) {
		received <- frame
	})

	server.pushToLatest(t, types.EventMessage, map[string]string{"id": "m1"})

	select {
	case frame := <-received:
		assert.Equal(t, types.EventMessage, frame.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after first panicked")
	}
}

func TestOn_UnsubscribeStopsDelivery(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "good")
	require.NoError(t, c.Connect(context.Background()))

	received := make(chan types.Frame, 4)
	unsubscribe := c.On(types.EventMessage, func(frame types.Frame) {
		received <- frame
	})

	server.pushToLatest(t, types.EventMessage, nil)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered before unsubscribe")
	}

	unsubscribe()
	server.pushToLatest(t, types.EventMessage, nil)

	select {
	case <-received:
		t.Fatal("frame delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconnect_RestoresSubscriptionsWithoutCaller(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "good")
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Join("g1"))
	require.NoError(t, c.Join("g2"))

	require.Eventually(t, func() bool {
		return len(server.joinedConversations()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	server.dropLatest()

	require.Eventually(t, func() bool {
		return server.connections() == 2
	}, 5*time.Second, 10*time.Millisecond, "client did not reconnect")

	// Both joins replayed on the new connection, no caller involvement.
	require.Eventually(t, func() bool {
		return len(server.joinedConversations()) == 4
	}, 5*time.Second, 10*time.Millisecond)

	joined := server.joinedConversations()
	assert.Contains(t, strings.Join(joined[2:], " "), "g1")
	assert.Contains(t, strings.Join(joined[2:], " "), "g2")
	assert.Equal(t, StateConnected, c.State())
}

func TestReconnect_GivesUpAfterBudget(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "good")
	require.NoError(t, c.Connect(context.Background()))

	// Kill the server entirely so every reconnect attempt fails.
	server.srv.CloseClientConnections()
	server.srv.Close()

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 5*time.Second, 20*time.Millisecond)

	// The dead connection is gone: Send reports disconnection instead of
	// failing a write on it.
	err := c.Send(types.EventPing, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestLeave_RemovedFromRestoreSet(t *testing.T) {
	server := newFakeServer(t)
	c := newTestClient(t, server, "good")
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Join("g1"))
	require.NoError(t, c.Join("g2"))
	require.NoError(t, c.Leave("g1"))

	server.dropLatest()
	require.Eventually(t, func() bool {
		return server.connections() == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		joined := server.joinedConversations()
		return len(joined) >= 3 && strings.Contains(joined[len(joined)-1], "g2")
	}, 5*time.Second, 10*time.Millisecond, "only g2 is re-joined after leave")
}

func TestHeartbeat_SendsPings(t *testing.T) {
	server := newFakeServer(t)
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	c := NewClient(Config{
		URL:                  server.url(),
		Token:                "good",
		ReconnectMaxAttempts: 1,
		ReconnectDelay:       20 * time.Millisecond,
		HeartbeatInterval:    30 * time.Millisecond,
	}, logger)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return server.frameCount(types.EventPing) >= 2
	}, 3*time.Second, 10*time.Millisecond)
}
