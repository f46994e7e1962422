// Package alwaysoffline keeps a mostly-online web application usable when the
// network comes and goes. It sits between the application's requests and the
// network, serving from versioned local stores when the origin cannot be reached.
package alwaysoffline

import (
	"context"
	"net/http"
	"net/url"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/connectivity"
	"github.com/always-cache/always-offline/control"
	"github.com/always-cache/always-offline/generation"
	"github.com/always-cache/always-offline/metrics"
	"github.com/always-cache/always-offline/offline"
	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	offlinepages "github.com/always-cache/always-offline/pkg/offline-pages"
	"github.com/always-cache/always-offline/router"
	"github.com/always-cache/always-offline/session"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Worker struct {
	config      Config
	keyer       cachekey.Keyer
	storage     cache.Storage
	generation  *generation.Manager
	provisioner *generation.Provisioner
	pages       offlinepages.Pages
	lock        *offline.Lock
	background  *router.Background
	router      *router.Router
	hub         *session.Hub
	notifier    *control.Notifier
	channel     *control.Channel
	// nil when disabled
	probe   *connectivity.Probe
	metrics *metrics.Collector
	handler http.Handler
	log     zerolog.Logger
}

// New validates the configuration and wires a worker from it.
// Nothing is fetched or deleted before Install, Activate or Start is called.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	keyer, err := cachekey.NewKeyer(config.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "invalid origin")
	}
	logger = logger.With().Str("origin", keyer.Origin).Logger()

	var upstream *url.URL
	if config.Upstream != "" {
		if upstream, err = url.Parse(config.Upstream); err != nil {
			return nil, errors.Wrap(err, "invalid upstream")
		}
	}

	storage, err := OpenStorage(config.Storage)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		config:     config,
		keyer:      keyer,
		storage:    storage,
		pages:      offlinepages.New(config.OfflinePages.Rules, config.OfflinePages.Default),
		lock:       &offline.Lock{},
		background: &router.Background{},
		metrics:    metrics.New(config.Metrics.GoMetrics),
		log:        logger,
	}

	w.hub = session.NewHub(session.Config{
		Handler: session.HandlerFunc(func(s *session.Session, data []byte) {
			w.channel.HandleMessage(s, data)
		}),
		PingInterval: config.Sessions.PingInterval,
		PongWait:     config.Sessions.PongWait,
		SendQueue:    config.Sessions.SendQueue,
		CheckOrigin:  w.checkOrigin,
		Logger:       &logger,
		Metrics:      w.metrics,
	})
	w.notifier = control.NewNotifier(w.hub, logger, w.metrics)
	w.channel = control.NewChannel(w.lock, w.notifier, logger, w.metrics)

	names := generation.Names{Prefix: config.Generation.Prefix, Version: config.Generation.Version}
	w.generation = generation.NewManager(storage, names, w.hub, logger, w.metrics)

	network := router.NewNetwork(router.NetworkConfig{
		Keyer:        keyer,
		Upstream:     upstream,
		UpstreamHost: config.UpstreamHost,
		Timeout:      config.NetworkTimeout,
	})
	w.provisioner = generation.NewProvisioner(generation.ProvisionerConfig{
		Storage:     storage,
		Names:       names,
		Keyer:       keyer,
		Network:     network,
		Concurrency: config.InstallConcurrency,
		Logger:      logger,
		Metrics:     w.metrics,
	})

	w.router, err = router.New(router.Config{
		Policy:            router.Policy{Keyer: keyer, APIPrefix: config.APIPrefix},
		Storage:           storage,
		Generation:        w.generation,
		Governor:          generation.NewGovernor(config.MaxDynamicItems, logger, w.metrics),
		Lock:              w.lock,
		Network:           network,
		Scheduler:         w.background,
		OfflinePages:      w.pages,
		Navigation:        config.Navigation,
		APIOfflineMessage: config.APIOfflineMessage,
		Logger:            &logger,
		Metrics:           w.metrics,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	if !config.Probe.Disabled {
		w.probe, err = connectivity.New(connectivity.Config{
			URL:      keyer.Origin + config.Probe.Path,
			Schedule: config.Probe.Schedule,
			Timeout:  config.Probe.Timeout,
			Network:  network,
			Syncer:   w.notifier,
			Logger:   logger,
		})
		if err != nil {
			storage.Close()
			return nil, err
		}
	}

	w.handler = w.routes()
	return w, nil
}

// OpenStorage opens the configured cache storage provider.
func OpenStorage(config StorageConfig) (cache.Storage, error) {
	var (
		storage cache.Storage
		err     error
	)
	switch config.Provider {
	case ProviderMemory:
		return cache.NewMemStorage(), nil
	case ProviderLevelDB:
		storage, err = cache.NewLevelDBStorage(config.Path)
	case ProviderSQLite, "":
		storage, err = cache.NewSQLiteStorage(config.Path)
	default:
		return nil, errors.Errorf("unknown storage provider %q", config.Provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s storage", config.Provider)
	}
	return storage, nil
}

// Manifest returns the paths stored at install: the configured shell and every offline page.
func (w *Worker) Manifest() []string {
	manifest := append([]string(nil), w.config.Shell...)
	return append(manifest, w.pages.All()...)
}

// Install populates the static store of the current generation with the app shell.
func (w *Worker) Install(ctx context.Context) (generation.Report, error) {
	return w.provisioner.Install(ctx, w.Manifest())
}

// Activate removes the stores of other generations and claims the connected sessions.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	return w.generation.Activate(ctx)
}

// Start installs the current generation if needed, activates it and starts the connectivity probe.
func (w *Worker) Start(ctx context.Context) error {
	installed, err := w.generation.Installed()
	if err != nil {
		return errors.Wrap(err, "check installed generation")
	}
	if !installed {
		if _, err := w.Install(ctx); err != nil {
			return errors.Wrap(err, "install")
		}
	} else {
		w.log.Debug().Str("store", w.generation.Names().Static()).Msg("Generation already installed")
	}
	if _, err := w.Activate(ctx); err != nil {
		return errors.Wrap(err, "activate")
	}
	if w.probe != nil {
		w.probe.Start()
	}
	return nil
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.handler.ServeHTTP(rw, r)
}

// Transport returns a RoundTripper applying the offline behaviour to an http.Client.
func (w *Worker) Transport() http.RoundTripper {
	return w.router
}

func (w *Worker) Lock() *offline.Lock {
	return w.lock
}

func (w *Worker) Storage() cache.Storage {
	return w.storage
}

func (w *Worker) Sessions() *session.Hub {
	return w.hub
}

func (w *Worker) Names() generation.Names {
	return w.generation.Names()
}

// Wait blocks until the pending background store writes are done.
func (w *Worker) Wait() {
	w.background.Wait()
}

// Close stops the probe, waits for pending store writes and releases sessions and storage.
func (w *Worker) Close() error {
	if w.probe != nil {
		w.probe.Stop()
	}
	w.background.Close()
	if err := w.hub.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Could not close sessions")
	}
	return w.storage.Close()
}

func (w *Worker) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if cachekey.OriginOf(u) == w.keyer.Origin || u.Host == r.Host {
		return true
	}
	for _, allowed := range w.config.Sessions.AllowedOrigins {
		if a, err := url.Parse(allowed); err == nil && cachekey.OriginOf(a) == cachekey.OriginOf(u) {
			return true
		}
	}
	return false
}

func (w *Worker) routes() http.Handler {
	r := chi.NewRouter()
	r.Route(w.config.ControlPath, func(r chi.Router) {
		r.Get("/ws", w.hub.ServeHTTP)
		r.Post("/control", w.serveControl)
		r.Post("/sync", w.serveSync)
		r.Method(http.MethodGet, "/metrics", w.metrics.Handler())
		r.Get("/healthz", w.serveHealth)
	})
	r.Handle("/*", w.router)
	return r
}
