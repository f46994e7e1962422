package generation

import (
	"context"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Claimer takes control of the already connected client sessions.
type Claimer interface {
	Claim(version string) error
}

type Manager struct {
	storage cache.Storage
	names   Names
	claimer Claimer
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewManager(storage cache.Storage, names Names, claimer Claimer, logger zerolog.Logger, collector *metrics.Collector) *Manager {
	return &Manager{
		storage: storage,
		names:   names,
		claimer: claimer,
		log:     logger.With().Str("component", "generation").Logger(),
		metrics: collector,
	}
}

func (m *Manager) Names() Names {
	return m.names
}

// Static opens the store of the current app shell.
func (m *Manager) Static() (cache.Store, error) {
	return m.storage.Open(m.names.Static())
}

// Dynamic opens the store of runtime responses of the current generation.
func (m *Manager) Dynamic() (cache.Store, error) {
	return m.storage.Open(m.names.Dynamic())
}

// Installed reports whether the app shell of the current generation exists.
func (m *Manager) Installed() (bool, error) {
	return m.storage.Has(m.names.Static())
}

// Activate deletes every store not belonging to the current generation,
// then claims the connected sessions. It returns the deleted store names.
// Any failure aborts the activation.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names()
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if m.names.Current(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := m.storage.Delete(name); err != nil {
			return deleted, errors.Wrapf(err, "delete stale store %s", name)
		}
		m.log.Info().Str("store", name).Msg("Deleted stale store")
		deleted = append(deleted, name)
	}
	m.metrics.StoresDeleted(len(deleted))

	if m.claimer != nil {
		if err := m.claimer.Claim(m.names.Version); err != nil {
			return deleted, errors.Wrap(err, "claim sessions")
		}
	}
	m.log.Info().Str("version", m.names.Version).Int("deleted", len(deleted)).Msg("Activated")
	return deleted, nil
}
