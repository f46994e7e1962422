package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/always-offline/metrics"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ClaimType is the type of the message sent to sessions when a version takes control of them.
const ClaimType = "ALWAYS_OFFLINE_CLAIM"

var ErrHubClosed = errors.New("session hub closed")

// ClaimNotice tells a client which version now governs it.
type ClaimNotice struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Handler receives the messages sent by clients.
type Handler interface {
	HandleMessage(s *Session, data []byte)
}

type HandlerFunc func(s *Session, data []byte)

func (f HandlerFunc) HandleMessage(s *Session, data []byte) {
	f(s, data)
}

type Config struct {
	Handler        Handler
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	// Number of messages that can wait for delivery per session.
	SendQueue int
	// Reports whether the websocket upgrade is allowed for the request.
	// Only same-host requests are accepted if nil.
	CheckOrigin func(r *http.Request) bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// Hub holds the connected sessions.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
	metrics  *metrics.Collector

	mutex    sync.RWMutex
	sessions map[string]*Session
	version  string
	closed   bool
}

func NewHub(config Config) *Hub {
	if config.PongWait <= 0 {
		config.PongWait = 60 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongWait {
		config.PingInterval = config.PongWait * 9 / 10
	}
	if config.WriteWait <= 0 {
		config.WriteWait = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 * 1024
	}
	if config.SendQueue <= 0 {
		config.SendQueue = 16
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: config.CheckOrigin,
		},
		log:      logger.With().Str("component", "sessions").Logger(),
		metrics:  config.Metrics,
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request to a websocket and runs the session until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	s := newSession(h, conn)
	if err := h.add(s); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.config.WriteWait))
		conn.Close()
		return
	}
	s.log.Debug().Str("remoteAddr", r.RemoteAddr).Msg("Session connected")
	go s.writePump()
	s.readPump()
}

func (h *Hub) add(s *Session) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	// sessions connecting after a claim are governed by the claiming version from the start
	s.controller = h.version
	h.sessions[s.ID] = s
	h.metrics.SessionOpened()
	return nil
}

func (h *Hub) remove(s *Session) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.sessions[s.ID]; ok {
		delete(h.sessions, s.ID)
		h.metrics.SessionClosed()
	}
}

// Sessions returns the connected sessions.
func (h *Hub) Sessions() []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Session returns the connected session with the given id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Broadcast posts the message to every connected session.
// Delivery failures are logged; the number of sessions the message was queued for is returned.
func (h *Hub) Broadcast(msg interface{}) int {
	delivered := 0
	for _, s := range h.Sessions() {
		if err := s.Post(msg); err != nil {
			s.log.Warn().Err(err).Msg("Could not post broadcast")
			continue
		}
		delivered++
	}
	return delivered
}

// Claim makes version the controller of every connected session and notifies them.
// Notification failures do not fail the claim.
func (h *Hub) Claim(version string) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return ErrHubClosed
	}
	h.version = version
	h.mutex.Unlock()

	sessions := h.Sessions()
	for _, s := range sessions {
		s.setController(version)
		if err := s.Post(ClaimNotice{Type: ClaimType, Version: version}); err != nil {
			s.log.Warn().Err(err).Msg("Could not notify claim")
		}
	}
	h.log.Info().Str("version", version).Int("sessions", len(sessions)).Msg("Claimed sessions")
	return nil
}

// Version returns the version of the last claim.
func (h *Hub) Version() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.version
}

// Close disconnects every session. New sessions are refused afterwards.
func (h *Hub) Close() error {
	h.mutex.Lock()
	h.closed = true
	h.mutex.Unlock()
	for _, s := range h.Sessions() {
		s.Close()
	}
	return nil
}
