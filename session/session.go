// Package session keeps track of the connected client sessions and delivers messages to them.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("session send queue full")
)

// Session is one connected client.
type Session struct {
	ID string

	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
	controller string
	log        zerolog.Logger
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.config.SendQueue),
		done: make(chan struct{}),
		log:  hub.log.With().Str("session", id).Logger(),
	}
}

// Post queues a message for delivery to the client.
// It does not wait for the message to be written.
func (s *Session) Post(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// Controller returns the version that governs the session, empty if none has claimed it yet.
func (s *Session) Controller() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.controller
}

func (s *Session) setController(version string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.controller = version
}

// Close disconnects the client and removes the session from its hub.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.hub.config.WriteWait))
			s.conn.Close()
		}
		s.log.Debug().Msg("Session closed")
	})
}

func (s *Session) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(s.hub.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.config.PongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("Session connection lost")
			}
			return
		}
		if s.hub.config.Handler != nil {
			s.hub.config.Handler.HandleMessage(s, data)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.config.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug().Err(err).Msg("Could not write to session")
				return
			}
			s.log.Trace().RawJSON("message", data).Msg("Message sent")
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.hub.config.WriteWait)); err != nil {
				return
			}
		}
	}
}
