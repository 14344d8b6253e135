package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/relay"
)

const (
	defaultIdleTimeout          = 60 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueSize        = 64
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Relay   *relay.Relay
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Origins gates the WebSocket upgrade. A nil policy accepts same-host
	// browser origins only.
	Origins *origin.Policy

	// Keepalive: the server pings every PingInterval and closes connections
	// that have been silent (no frames, no pongs) for IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes          int64
	MaxMessagesPerSecond     int
	HardCloseAfterViolations int
	ViolationWindow          time.Duration

	// SendQueueSize bounds the frames buffered per connection.
	SendQueueSize int

	// Clock drives the per-connection rate limiter. Defaults to the wall
	// clock.
	Clock ratelimit.Clock
}

// Server serves GET /signal.
type Server struct {
	relay   *relay.Relay
	log     *slog.Logger
	metrics *metrics.Metrics
	origins *origin.Policy
	clock   ratelimit.Clock

	idleTimeout              time.Duration
	pingInterval             time.Duration
	maxMessageBytes          int64
	maxMessagesPerSecond     int
	hardCloseAfterViolations int
	violationWindow          time.Duration
	sendQueueSize            int

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	s := &Server{
		relay:   cfg.Relay,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		origins: cfg.Origins,
		clock:   cfg.Clock,

		idleTimeout:              cfg.IdleTimeout,
		pingInterval:             cfg.PingInterval,
		maxMessageBytes:          cfg.MaxMessageBytes,
		maxMessagesPerSecond:     cfg.MaxMessagesPerSecond,
		hardCloseAfterViolations: cfg.HardCloseAfterViolations,
		violationWindow:          cfg.ViolationWindow,
		sendQueueSize:            cfg.SendQueueSize,

		conns: make(map[*wsConn]struct{}),
	}
	if s.relay == nil {
		s.relay = relay.New(relay.WithLogger(cfg.Logger), relay.WithMetrics(cfg.Metrics))
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if s.sendQueueSize <= 0 {
		s.sendQueueSize = defaultSendQueueSize
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The Origin header is checked before the connection is registered;
		// this repeats the check for callers that bypass handleSignal.
		CheckOrigin: s.origins.CheckRequest,
	}
	return s
}

// Relay returns the relay connections are registered with.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close sends a going-away close frame on every open connection and refuses
// new ones. Relay state is torn down as each read loop exits.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.Close()
	}
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpErrorResponse{Code: code, Message: message})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !s.origins.CheckRequest(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "expected websocket upgrade")
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		writeJSONError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}

	c := &wsConn{
		srv:  s,
		send: make(chan []byte, s.sendQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewMessageLimiter(ratelimit.MessageLimiterConfig{
			MessagesPerSecond:        s.maxMessagesPerSecond,
			HardCloseAfterViolations: s.hardCloseAfterViolations,
			ViolationWindow:          s.violationWindow,
			Clock:                    s.clock,
		}),
	}

	id, err := s.relay.Connect(r.URL.Query().Get("identity"), c)
	switch {
	case errors.Is(err, relay.ErrTooManyConnections):
		writeJSONError(w, http.StatusServiceUnavailable, "too_many_connections", "too many connections")
		return
	case errors.Is(err, relay.ErrClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	case err != nil:
		s.log.Error("register signaling connection", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to register connection")
		return
	}
	c.id = id

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.relay.Disconnect(id)
		return
	}
	c.conn = conn

	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		s.relay.Disconnect(id)
		_ = conn.Close()
		return
	}
	defer s.untrack(c)

	s.log.Debug("signaling connection opened", "conn_id", id, "remote_addr", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
