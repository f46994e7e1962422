package control

import (
	"github.com/always-cache/always-offline/metrics"

	"github.com/rs/zerolog"
)

// Broadcaster delivers a message to every connected session.
type Broadcaster interface {
	Broadcast(msg interface{}) int
}

// Notifier tells clients to flush their queue of failed mutations.
// It never touches the cache or the queue itself.
type Notifier struct {
	sessions Broadcaster
	log      zerolog.Logger
	metrics  *metrics.Collector
}

func NewNotifier(sessions Broadcaster, logger zerolog.Logger, collector *metrics.Collector) *Notifier {
	return &Notifier{
		sessions: sessions,
		log:      logger.With().Str("component", "sync").Logger(),
		metrics:  collector,
	}
}

// Sync handles a deferred-sync signal. Only the queue sync tag is recognized,
// other tags are ignored and reported as such.
func (n *Notifier) Sync(tag string) bool {
	if tag != SyncTag {
		n.log.Debug().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return false
	}
	n.FlushQueue()
	return true
}

// FlushQueue broadcasts the flush notification and returns the number of sessions reached.
func (n *Notifier) FlushQueue() int {
	delivered := n.sessions.Broadcast(SyncNotice{Type: SyncType, Action: FlushQueueAction})
	n.metrics.QueueFlush()
	n.log.Debug().Int("sessions", delivered).Msg("Broadcast queue flush")
	return delivered
}
