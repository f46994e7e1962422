package session

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mutex    sync.Mutex
	messages []string
	sessions []*Session
}

func (i *inbox) HandleMessage(s *Session, data []byte) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.messages = append(i.messages, string(data))
	i.sessions = append(i.sessions, s)
}

func (i *inbox) received() []string {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return append([]string(nil), i.messages...)
}

func newTestHub(handler Handler) *Hub {
	logger := zerolog.Nop()
	return NewHub(Config{
		Handler:   handler,
		SendQueue: 2,
		Logger:    &logger,
	})
}

func dial(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	server := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func waitForSessions(t *testing.T, hub *Hub, n int) {
	assert.Eventually(t, func() bool { return hub.Len() == n }, time.Second, 5*time.Millisecond)
}

func TestInboundMessagesReachHandler(t *testing.T) {
	in := &inbox{}
	hub := newTestHub(in)
	conn, done := dial(t, hub)
	defer done()
	waitForSessions(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"GLP_FORCE_OFFLINE","value":true}`)))
	assert.Eventually(t, func() bool { return len(in.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"type":"GLP_FORCE_OFFLINE","value":true}`, in.received()[0])
}

func TestPostReachesClient(t *testing.T) {
	in := &inbox{}
	hub := newTestHub(in)
	conn, done := dial(t, hub)
	defer done()
	waitForSessions(t, hub, 1)

	s := hub.Sessions()[0]
	require.NoError(t, s.Post(map[string]interface{}{"type": "GLP_FORCE_OFFLINE_ACK", "value": true}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "GLP_FORCE_OFFLINE_ACK", msg["type"])
	assert.Equal(t, true, msg["value"])
}

func TestBroadcastAndClaim(t *testing.T) {
	hub := newTestHub(nil)
	first, done1 := dial(t, hub)
	defer done1()
	second, done2 := dial(t, hub)
	defer done2()
	waitForSessions(t, hub, 2)

	require.NoError(t, hub.Claim("v10.3"))
	for _, s := range hub.Sessions() {
		assert.Equal(t, "v10.3", s.Controller())
	}
	assert.Equal(t, 2, hub.Broadcast(map[string]string{"type": "BQA_GLPSYNC", "action": "flushQueue"}))

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var claim ClaimNotice
		require.NoError(t, conn.ReadJSON(&claim))
		assert.Equal(t, ClaimNotice{Type: ClaimType, Version: "v10.3"}, claim)

		var flush map[string]string
		require.NoError(t, conn.ReadJSON(&flush))
		assert.Equal(t, "flushQueue", flush["action"])
	}
}

func TestLateSessionIsControlledByClaimedVersion(t *testing.T) {
	hub := newTestHub(nil)
	require.NoError(t, hub.Claim("v2"))
	_, done := dial(t, hub)
	defer done()
	waitForSessions(t, hub, 1)
	assert.Equal(t, "v2", hub.Sessions()[0].Controller())
}

func TestDisconnectRemovesSession(t *testing.T) {
	hub := newTestHub(nil)
	conn, done := dial(t, hub)
	defer done()
	waitForSessions(t, hub, 1)
	s := hub.Sessions()[0]

	conn.Close()
	waitForSessions(t, hub, 0)
	assert.ErrorIs(t, s.Post("late"), ErrSessionClosed)
	_, ok := hub.Session(s.ID)
	assert.False(t, ok)
}

func TestSendQueueFull(t *testing.T) {
	hub := newTestHub(nil)
	// a session without pumps never drains its queue
	s := newSession(hub, nil)
	require.NoError(t, hub.add(s))

	require.NoError(t, s.Post("1"))
	require.NoError(t, s.Post("2"))
	assert.ErrorIs(t, s.Post("3"), ErrSendQueueFull)
	assert.Equal(t, 0, hub.Broadcast("4"), "the broadcast is not delivered to a saturated session")
}

func TestClosedHub(t *testing.T) {
	hub := newTestHub(nil)
	s := newSession(hub, nil)
	require.NoError(t, hub.add(s))

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Len())
	assert.ErrorIs(t, hub.Claim("v3"), ErrHubClosed)
	assert.ErrorIs(t, hub.add(newSession(hub, nil)), ErrHubClosed)
	assert.ErrorIs(t, s.Post("x"), ErrSessionClosed)
}
