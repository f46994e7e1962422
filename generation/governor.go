package generation

import (
	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultMaxItems bounds the dynamic store when no limit is configured.
const DefaultMaxItems = 60

// ErrEvictionStalled is returned when the store keeps growing faster than it is trimmed.
var ErrEvictionStalled = errors.New("eviction did not converge")

// Governor keeps a store at or under a maximum number of entries,
// evicting the oldest entries first.
type Governor struct {
	max     int
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewGovernor(max int, logger zerolog.Logger, collector *metrics.Collector) *Governor {
	if max <= 0 {
		max = DefaultMaxItems
	}
	return &Governor{
		max:     max,
		log:     logger.With().Str("component", "governor").Logger(),
		metrics: collector,
	}
}

// Enforce deletes the oldest entry of the store until it holds at most max entries.
// The keys are read again after every deletion, so entries added concurrently are
// taken into account. It returns the number of entries evicted.
func (g *Governor) Enforce(st cache.Store) (int, error) {
	keys, err := st.Keys()
	if err != nil {
		return 0, err
	}
	limit := len(keys) + g.max
	evicted := 0
	defer func() { g.metrics.Evicted(evicted) }()
	for i := 0; len(keys) > g.max; i++ {
		if i >= limit {
			g.log.Error().Str("store", st.Name()).Int("entries", len(keys)).Msg("Eviction stalled")
			return evicted, ErrEvictionStalled
		}
		deleted, err := st.Delete(keys[0])
		if err != nil {
			return evicted, err
		}
		if deleted {
			evicted++
			g.log.Trace().Str("store", st.Name()).Str("key", keys[0]).Msg("Evicted")
		}
		if keys, err = st.Keys(); err != nil {
			return evicted, err
		}
	}
	return evicted, nil
}
