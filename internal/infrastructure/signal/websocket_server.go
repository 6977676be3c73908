package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/services"
	apperrors "mprisctl/pkg/errors"
	"mprisctl/pkg/events"
	"mprisctl/pkg/tracing"
	"mprisctl/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Runner executes a function on the controller's event loop.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// SendBuffer is the number of messages queued per connection before
	// the connection is dropped as too slow.
	SendBuffer   int
	MaxFrameSize int64
	CommandRate  rate.Limit
	CommandBurst int
	// CheckOrigin defaults to the same-origin check of gorilla/websocket.
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.SugaredLogger
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
		MaxFrameSize: 4096,
		CommandRate:  10,
		CommandBurst: 20,
	}
}

// Inbound message types.
const (
	RequestCommand     = "command"
	RequestSeek        = "seek"
	RequestSetPosition = "set_position"
	RequestOpen        = "open"
	RequestSnapshot    = "snapshot"
)

// Outbound message types.
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
	MessageResult   = "result"
	MessageError    = "error"
)

// Request is a client message. ID is echoed back on the reply.
type Request struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Command    string            `json:"command,omitempty"`
	OffsetMs   int64             `json:"offset_ms,omitempty"`
	TrackID    domain.ObjectPath `json:"track_id,omitempty"`
	PositionMs int64             `json:"position_ms,omitempty"`
	URI        string            `json:"uri,omitempty"`
}

type Message struct {
	Type     string              `json:"type"`
	ID       string              `json:"id,omitempty"`
	Event    *domain.Event       `json:"event,omitempty"`
	Snapshot *Snapshot           `json:"snapshot,omitempty"`
	Code     apperrors.ErrorCode `json:"code,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Snapshot is the controller state sent when a client connects.
type Snapshot struct {
	Peers      []domain.PeerID        `json:"peers"`
	Active     domain.PeerID          `json:"active,omitempty"`
	Mode       domain.ArbitrationMode `json:"mode"`
	Pinned     domain.PeerID          `json:"pinned,omitempty"`
	State      domain.PlayerState     `json:"state"`
	PositionMs int64                  `json:"position_ms"`
}

// WebSocketServer streams controller events to clients and accepts
// player commands from them.
type WebSocketServer struct {
	controller *services.Controller
	loop       Runner
	upgrader   websocket.Upgrader

	sessions map[string]*session
	mu       sync.RWMutex

	cfg    Config
	logger *zap.SugaredLogger
}

type session struct {
	id      string
	conn    *websocket.Conn
	send    chan Message
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func NewWebSocketServer(controller *services.Controller, loop Runner, cfg Config) *WebSocketServer {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = def.CommandRate
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = def.CommandBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &WebSocketServer{
		controller: controller,
		loop:       loop,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sessions: make(map[string]*session),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

func (s *WebSocketServer) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/events", s.Handle)
}

func (s *WebSocketServer) Handle(c *gin.Context) {
	s.HandleWebSocket(c.Writer, c.Request)
}

// HandleWebSocket upgrades the request and serves the connection until
// either side closes it. ?position=1 opts into periodic position events.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		id:      utils.GenerateID("ws"),
		conn:    conn,
		send:    make(chan Message, s.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(s.cfg.CommandRate, s.cfg.CommandBurst),
	}
	positions := r.URL.Query().Get("position") == "1"

	var cancels []events.CancelFunc
	err = s.loop.Do(r.Context(), func() {
		snap := s.snapshot()
		sess.enqueue(Message{Type: MessageSnapshot, Snapshot: &snap})
		cancels = s.subscribe(sess, positions)
	})
	if err != nil {
		s.logger.Warnw("controller unavailable for websocket session", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.logger.Infow("websocket client connected", "session_id", sess.id, "remote_addr", r.RemoteAddr, "positions", positions)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(sess)
	}()
	s.readPump(sess)

	sess.close()
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.loop.Do(ctx, func() {
		for _, unsubscribe := range cancels {
			unsubscribe()
		}
	}); err != nil {
		s.logger.Warnw("failed to unsubscribe websocket session", "session_id", sess.id, "error", err)
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.logger.Infow("websocket client disconnected", "session_id", sess.id)
}

// snapshot must run on the loop.
func (s *WebSocketServer) snapshot() Snapshot {
	snap := Snapshot{
		Peers:      s.controller.AvailablePeers(),
		Mode:       s.controller.Mode(),
		State:      s.controller.State(),
		PositionMs: s.controller.Position(),
	}
	snap.Active, _ = s.controller.ActivePeer()
	snap.Pinned, _ = s.controller.Pinned()
	return snap
}

// subscribe must run on the loop.
func (s *WebSocketServer) subscribe(sess *session, positions bool) []events.CancelFunc {
	forward := func(ev domain.Event) {
		if sess.enqueue(Message{Type: MessageEvent, Event: &ev}) || sess.closed() {
			return
		}
		s.logger.Warnw("dropping slow websocket client", "session_id", sess.id)
		sess.close()
	}
	cancels := []events.CancelFunc{
		s.controller.OnActivePeerChanged(forward),
		s.controller.OnAvailablePeersChanged(forward),
		s.controller.OnAnyPropertyChanged(forward),
		s.controller.OnSeeked(forward),
	}
	if positions {
		cancels = append(cancels, s.controller.OnPositionChanged(forward))
	}
	return cancels
}

func (s *WebSocketServer) readPump(sess *session) {
	conn := sess.conn
	conn.SetReadLimit(s.cfg.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				sess.enqueue(errorMessage("", apperrors.NewValidationError("malformed message")))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("websocket read failed", "session_id", sess.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !sess.limiter.Allow() {
			sess.enqueue(errorMessage(req.ID, apperrors.NewRateLimitError()))
			continue
		}
		if !sess.enqueue(s.handleRequest(sess, req)) {
			return
		}
	}
}

func (s *WebSocketServer) handleRequest(sess *session, req Request) Message {
	ctx, span := tracing.TraceWebSocketMessage(context.Background(), req.Type, sess.id)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	var (
		err  error
		snap Snapshot
	)
	doErr := s.loop.Do(ctx, func() {
		switch req.Type {
		case RequestCommand:
			err = s.controller.Command(req.Command)
		case RequestSeek:
			err = s.controller.Seek(req.OffsetMs)
		case RequestSetPosition:
			if req.TrackID == "" {
				err = s.controller.SetPositionMs(req.PositionMs)
			} else {
				err = s.controller.SetPosition(req.TrackID, req.PositionMs)
			}
		case RequestOpen:
			err = s.controller.OpenURI(req.URI)
		case RequestSnapshot:
			snap = s.snapshot()
		default:
			err = apperrors.NewValidationError("unknown message type " + req.Type)
		}
	})
	if doErr != nil {
		err = apperrors.NewServiceUnavailableError(doErr.Error())
	}
	if err != nil {
		tracing.Fail(span, err)
		return errorMessage(req.ID, err)
	}
	if req.Type == RequestSnapshot {
		return Message{Type: MessageSnapshot, ID: req.ID, Snapshot: &snap}
	}
	return Message{Type: MessageResult, ID: req.ID}
}

func errorMessage(id string, err error) Message {
	appErr := apperrors.FromDomain(err)
	return Message{Type: MessageError, ID: id, Code: appErr.Code, Error: appErr.Message}
}

func (s *WebSocketServer) writePump(sess *session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer sess.conn.Close()

	for {
		select {
		case msg := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := sess.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("websocket write failed", "session_id", sess.id, "error", err)
				sess.close()
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.close()
				return
			}
		case <-sess.done:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// enqueue queues msg without blocking. It reports false when the session
// is closed or its buffer is full.
func (sess *session) enqueue(msg Message) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.send <- msg:
		return true
	default:
		return false
	}
}

// close stops both pumps. The reader unblocks once the writer closes the
// connection.
func (sess *session) close() {
	sess.once.Do(func() { close(sess.done) })
}

func (sess *session) closed() bool {
	select {
	case <-sess.done:
		return true
	default:
		return false
	}
}

// Sessions returns the number of connected clients.
func (s *WebSocketServer) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close disconnects every client.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.close()
	}
}
