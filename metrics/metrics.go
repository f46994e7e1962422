// Package metrics exposes Prometheus metrics of the offline layer.
//
// All methods are safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "always_offline"

type Collector struct {
	registry *prometheus.Registry

	responses     *prometheus.CounterVec
	stored        prometheus.Counter
	storageErrors *prometheus.CounterVec
	evictions     prometheus.Counter
	storesDeleted prometheus.Counter
	provisioned   *prometheus.CounterVec
	locked        prometheus.Gauge
	lockChanges   prometheus.Counter
	sessions      prometheus.Gauge
	syncs         prometheus.Counter
}

// New creates a collector with its own registry.
// Go runtime and process metrics are included when goMetrics is set.
func New(goMetrics bool) *Collector {
	registry := prometheus.NewRegistry()
	if goMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	c := &Collector{
		registry: registry,
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses produced, by route and source.",
		}, []string{"route", "source"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_total",
			Help:      "Responses written into the dynamic store.",
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed storage operations, by operation.",
		}, []string{"op"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries evicted from the dynamic store.",
		}),
		storesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stores_deleted_total",
			Help:      "Stale stores deleted on activation.",
		}),
		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shell_resources_total",
			Help:      "Shell resources fetched at install, by result.",
		}, []string{"result"}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_lock",
			Help:      "1 while the forced-offline lock is active.",
		}),
		lockChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_lock_messages_total",
			Help:      "Forced-offline control messages handled.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Connected client sessions.",
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_flush_broadcasts_total",
			Help:      "Queue flush notifications broadcast to sessions.",
		}),
	}
	registry.MustRegister(
		c.responses, c.stored, c.storageErrors, c.evictions, c.storesDeleted,
		c.provisioned, c.locked, c.lockChanges, c.sessions, c.syncs,
	)
	return c
}

func (c *Collector) Response(route, source string) {
	if c == nil {
		return
	}
	c.responses.WithLabelValues(route, source).Inc()
}

func (c *Collector) Stored() {
	if c == nil {
		return
	}
	c.stored.Inc()
}

func (c *Collector) StorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrors.WithLabelValues(op).Inc()
}

func (c *Collector) Evicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.Add(float64(n))
}

func (c *Collector) StoresDeleted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.storesDeleted.Add(float64(n))
}

func (c *Collector) Provisioned(ok, failed int) {
	if c == nil {
		return
	}
	c.provisioned.WithLabelValues("ok").Add(float64(ok))
	c.provisioned.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) Locked(active bool) {
	if c == nil {
		return
	}
	c.lockChanges.Inc()
	if active {
		c.locked.Set(1)
	} else {
		c.locked.Set(0)
	}
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessions.Dec()
}

func (c *Collector) QueueFlush() {
	if c == nil {
		return
	}
	c.syncs.Inc()
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
