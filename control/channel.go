package control

import (
	"encoding/json"

	"github.com/always-cache/always-offline/metrics"
	"github.com/always-cache/always-offline/offline"
	"github.com/always-cache/always-offline/session"

	"github.com/rs/zerolog"
)

// Replier sends a message back to the session a control message came from.
type Replier interface {
	Post(msg interface{}) error
}

// Channel applies inbound control messages.
type Channel struct {
	lock     *offline.Lock
	notifier *Notifier
	log      zerolog.Logger
	metrics  *metrics.Collector
}

func NewChannel(lock *offline.Lock, notifier *Notifier, logger zerolog.Logger, collector *metrics.Collector) *Channel {
	return &Channel{
		lock:     lock,
		notifier: notifier,
		log:      logger.With().Str("component", "control").Logger(),
		metrics:  collector,
	}
}

// Handle applies the message. from is the originating session and may be nil,
// in which case the acknowledgment is dropped.
func (c *Channel) Handle(msg Message, from Replier) {
	switch msg.Type {
	case ForceOfflineType:
		c.forceOffline(Truthy(msg.Value), from)
	default:
		c.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
	}
}

func (c *Channel) forceOffline(active bool, from Replier) {
	c.lock.Set(active)
	c.metrics.Locked(active)
	c.log.Info().Bool("forceOffline", active).Msg("Offline lock changed")
	if !active && c.notifier != nil {
		c.notifier.FlushQueue()
	}
	if from == nil {
		c.log.Debug().Msg("No session to acknowledge to")
		return
	}
	if err := from.Post(Ack{Type: ForceOfflineAckType, Value: active}); err != nil {
		c.log.Debug().Err(err).Msg("Could not acknowledge")
	}
}

// HandleMessage decodes a message received from a session.
func (c *Channel) HandleMessage(s *session.Session, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug().Err(err).Msg("Ignoring malformed control message")
		return
	}
	c.Handle(msg, s)
}
