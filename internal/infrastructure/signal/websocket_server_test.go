package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/services"
	"mprisctl/internal/infrastructure/memory"
	"mprisctl/pkg/eventloop"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

const vlc domain.PeerID = "org.mpris.MediaPlayer2.vlc"

type wsFixture struct {
	t      *testing.T
	loop   *eventloop.Loop
	bus    *memory.Bus
	ctrl   *services.Controller
	server *WebSocketServer
	url    string
}

func newWSFixture(t *testing.T, cfg Config) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	loop := eventloop.New()
	bus := memory.NewBus(loop)
	logger := zaptest.NewLogger(t).Sugar()
	ctrl := services.NewController(services.ControllerConfig{
		Bus:                    bus,
		Loop:                   loop,
		Logger:                 logger,
		PositionSyncInterval:   time.Hour,
		PositionNotifyInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	require.NoError(t, ctrl.Start(ctx))

	cfg.Logger = logger
	server := NewWebSocketServer(ctrl, loop, cfg)
	router := gin.New()
	server.SetupRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	t.Cleanup(server.Close)

	return &wsFixture{
		t:      t,
		loop:   loop,
		bus:    bus,
		ctrl:   ctrl,
		server: server,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events",
	}
}

func (f *wsFixture) dial(query string) *websocket.Conn {
	f.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+query, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	for i := 0; i < 100; i++ {
		if msg := read(t, conn); match(msg) {
			return msg
		}
	}
	t.Fatal("expected message never arrived")
	return Message{}
}

func reply(id string) func(Message) bool {
	return func(m Message) bool { return m.ID == id }
}

func eventOf(kind domain.EventKind) func(Message) bool {
	return func(m Message) bool { return m.Type == MessageEvent && m.Event.Kind == kind }
}

func (f *wsFixture) addPlayingPeer(id domain.PeerID) {
	f.bus.AddPeer(id,
		map[string]any{"Identity": "VLC media player", "CanQuit": true},
		map[string]any{
			"CanControl":     true,
			"CanPlay":        true,
			"CanPause":       true,
			"CanSeek":        true,
			"PlaybackStatus": string(domain.StatusPlaying),
			"Position":       int64(1_000_000),
		}, nil)
}

func TestWebSocketServer_SnapshotThenEvents(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial("")

	first := read(t, conn)
	require.Equal(t, MessageSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Empty(t, first.Snapshot.Active)
	assert.Equal(t, domain.StatusStopped, first.Snapshot.State.PlaybackStatus)

	f.addPlayingPeer(vlc)

	active := readUntil(t, conn, eventOf(domain.EventActivePeerChanged))
	assert.Equal(t, vlc, active.Event.Peer)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestSnapshot, ID: "s1"}))
	snap := readUntil(t, conn, reply("s1"))
	require.NotNil(t, snap.Snapshot)
	assert.Equal(t, vlc, snap.Snapshot.Active)
	assert.Equal(t, []domain.PeerID{vlc}, snap.Snapshot.Peers)
	assert.Equal(t, "VLC media player", snap.Snapshot.State.Identity)
}

func TestWebSocketServer_Commands(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial("")
	read(t, conn)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestCommand, ID: "1", Command: "play"}))
	msg := readUntil(t, conn, reply("1"))
	assert.Equal(t, MessageError, msg.Type)
	assert.Equal(t, "NO_ACTIVE_PEER", string(msg.Code))

	f.addPlayingPeer(vlc)
	readUntil(t, conn, eventOf(domain.EventActivePeerChanged))

	tests := []struct {
		name     string
		req      Request
		wantType string
		wantCode string
	}{
		{"parameterless command", Request{Type: RequestCommand, Command: "pause"}, MessageResult, ""},
		{"unknown command", Request{Type: RequestCommand, Command: "rewind"}, MessageError, "NOT_FOUND"},
		{"seek", Request{Type: RequestSeek, OffsetMs: 5000}, MessageResult, ""},
		{"set position without track", Request{Type: RequestSetPosition, PositionMs: -1}, MessageError, "INVALID_ARGUMENT"},
		{"open", Request{Type: RequestOpen, URI: "file:///music/a.flac"}, MessageResult, ""},
		{"unknown type", Request{Type: "shuffle"}, MessageError, "VALIDATION_ERROR"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ID = string(rune('a' + i))
			require.NoError(t, conn.WriteJSON(tt.req))
			msg := readUntil(t, conn, reply(tt.req.ID))
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, tt.wantCode, string(msg.Code))
		})
	}

	calls := f.bus.Calls()
	methods := make([]string, 0, len(calls))
	for _, c := range calls {
		methods = append(methods, c.Method)
	}
	assert.Contains(t, methods, "Pause")
	assert.Contains(t, methods, "Seek")
	assert.Contains(t, methods, "OpenUri")
}

func TestWebSocketServer_MalformedMessage(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial("")
	read(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	msg := read(t, conn)
	assert.Equal(t, MessageError, msg.Type)
	assert.Equal(t, "VALIDATION_ERROR", string(msg.Code))

	require.NoError(t, conn.WriteJSON(Request{Type: RequestSnapshot, ID: "after"}))
	assert.Equal(t, MessageSnapshot, readUntil(t, conn, reply("after")).Type)
}

func TestWebSocketServer_RateLimitsCommands(t *testing.T) {
	f := newWSFixture(t, Config{CommandRate: rate.Limit(0.001), CommandBurst: 1})
	conn := f.dial("")
	read(t, conn)

	require.NoError(t, conn.WriteJSON(Request{Type: RequestSnapshot, ID: "1"}))
	require.NoError(t, conn.WriteJSON(Request{Type: RequestSnapshot, ID: "2"}))

	assert.Equal(t, MessageSnapshot, readUntil(t, conn, reply("1")).Type)
	limited := readUntil(t, conn, reply("2"))
	assert.Equal(t, MessageError, limited.Type)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", string(limited.Code))
}

func TestWebSocketServer_PositionSubscriptionFollowsConnection(t *testing.T) {
	f := newWSFixture(t, Config{})
	subscribers := func() int {
		n := -1
		_ = f.loop.Do(context.Background(), func() { n = f.ctrl.PositionSubscribers() })
		return n
	}

	plain := f.dial("")
	read(t, plain)
	assert.Equal(t, 0, subscribers())

	conn := f.dial("?position=1")
	read(t, conn)
	assert.Equal(t, 1, subscribers())
	require.Eventually(t, func() bool { return f.server.Sessions() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.server.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_CloseDisconnectsClients(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial("")
	read(t, conn)
	require.Eventually(t, func() bool { return f.server.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	f.server.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	require.Eventually(t, func() bool { return f.server.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}
