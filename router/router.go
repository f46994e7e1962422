package router

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/generation"
	"github.com/always-cache/always-offline/metrics"
	"github.com/always-cache/always-offline/offline"
	offlinepages "github.com/always-cache/always-offline/pkg/offline-pages"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// NavigationMode selects how page navigations use the network.
type NavigationMode string

const (
	// Ask the network first, fall back to stored copies when it fails.
	NavigationNetworkFirst NavigationMode = "network-first"
	// Serve a stored copy of the page (exact or by path) without asking the network.
	NavigationCacheFirst NavigationMode = "cache-first"
)

type Config struct {
	Policy  Policy
	Storage cache.Storage
	// Opens the dynamic store of the current generation.
	Generation *generation.Manager
	Governor   *generation.Governor
	Lock       *offline.Lock
	Network    http.RoundTripper
	// Runs storage writes and eviction after the response was returned.
	Scheduler    Scheduler
	OfflinePages offlinepages.Pages
	Navigation   NavigationMode
	// Message of the synthesized API answer.
	APIOfflineMessage string
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

type Router struct {
	policy     Policy
	origin     *url.URL
	storage    cache.Storage
	generation *generation.Manager
	governor   *generation.Governor
	lock       *offline.Lock
	network    http.RoundTripper
	scheduler  Scheduler
	pages      offlinepages.Pages
	navigation NavigationMode
	apiMessage string
	log        zerolog.Logger
	metrics    *metrics.Collector
}

func New(config Config) (*Router, error) {
	origin, err := url.Parse(config.Policy.Keyer.Origin)
	if err != nil {
		return nil, err
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	scheduler := config.Scheduler
	if scheduler == nil {
		scheduler = &Background{}
	}
	lock := config.Lock
	if lock == nil {
		lock = &offline.Lock{}
	}
	navigation := config.Navigation
	if navigation == "" {
		navigation = NavigationNetworkFirst
	}
	return &Router{
		policy:     config.Policy,
		origin:     origin,
		storage:    config.Storage,
		generation: config.Generation,
		governor:   config.Governor,
		lock:       lock,
		network:    config.Network,
		scheduler:  scheduler,
		pages:      config.OfflinePages,
		navigation: navigation,
		apiMessage: config.APIOfflineMessage,
		log:        logger.With().Str("component", "router").Logger(),
		metrics:    config.Metrics,
	}, nil
}

// Handle answers the request. It always returns a response.
func (r *Router) Handle(req *http.Request) *http.Response {
	res, _ := r.Serve(req)
	return res
}

// RoundTrip implements http.RoundTripper so that the router can back an http.Client.
// It never returns an error: failures are answered with synthesized responses.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Handle(req), nil
}

// Serve answers the request and reports how the answer was produced.
func (r *Router) Serve(req *http.Request) (*http.Response, Outcome) {
	route := Classify(req, r.policy, r.lock.Active())
	out := r.absolute(req)

	var (
		res     *http.Response
		outcome Outcome
	)
	switch route {
	case RouteBlockedMutation:
		res, outcome = blockedMutation(out), Outcome{Source: SourceSynthetic}
	case RoutePassThrough, RouteUnconditionalPassThrough:
		res, outcome = r.passThrough(out)
	case RouteAPI:
		res, outcome = r.api(out)
	case RouteNavigation:
		res, outcome = r.page(out)
	default:
		res, outcome = r.asset(out)
	}
	outcome.Route = route
	if outcome.Source == SourceNetwork {
		outcome.Status = res.StatusCode
	}
	res.Request = req

	r.metrics.Response(route.String(), string(outcome.Source))
	r.logResponse(req, res, outcome)
	return res, outcome
}

// absolute returns the request with an absolute URL on the origin.
// Requests received by a server only carry the path.
func (r *Router) absolute(req *http.Request) *http.Request {
	if req.URL.IsAbs() && req.URL.Host != "" {
		return req
	}
	out := req.Clone(req.Context())
	out.URL.Scheme = r.origin.Scheme
	out.URL.Host = r.origin.Host
	out.Host = r.origin.Host
	out.RequestURI = ""
	return out
}

func (r *Router) passThrough(req *http.Request) (*http.Response, Outcome) {
	outcome := Outcome{Source: SourceNetwork}
	res, err := r.network.RoundTrip(req)
	if err != nil {
		r.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Pass-through failed")
		outcome.Source = SourceSynthetic
		outcome.Err = err
		return badGateway(req), outcome
	}
	return res, outcome
}

// api is network-first. Without network only the dynamic store is consulted.
func (r *Router) api(req *http.Request) (*http.Response, Outcome) {
	outcome := Outcome{Source: SourceNetwork}
	res, stored, err := r.fetch(req)
	if err == nil {
		outcome.Stored = stored
		return res, outcome
	}
	outcome.Err = err

	key := r.policy.Keyer.Key(req)
	if dynamic, err := r.generation.Dynamic(); err != nil {
		r.storageError("open", err)
	} else if b, ok, err := dynamic.Get(key); err != nil {
		r.storageError("get", err)
	} else if ok {
		if res, err := serializer.Restore(b, req); err == nil {
			outcome.Source = SourceCache
			outcome.Store = dynamic.Name()
			outcome.Fallback = FallbackExact
			return res, outcome
		} else {
			r.log.Error().Err(err).Str("key", key).Msg("Could not restore stored response")
		}
	}
	outcome.Source = SourceSynthetic
	return apiOffline(req, r.apiMessage), outcome
}

// page handles navigations, network-first unless configured cache-first.
func (r *Router) page(req *http.Request) (*http.Response, Outcome) {
	outcome := Outcome{Source: SourceNetwork}
	if r.navigation == NavigationCacheFirst {
		for _, step := range []struct {
			fallback Fallback
			key      string
		}{
			{FallbackExact, r.policy.Keyer.Key(req)},
			{FallbackPath, r.policy.Keyer.PathKey(req)},
		} {
			if res, store, ok := r.match(req, step.key); ok {
				outcome.Source = SourceCache
				outcome.Store = store
				outcome.Fallback = step.fallback
				return res, outcome
			}
		}
		outcome.Missed = true
	}

	res, stored, err := r.fetch(req)
	if err == nil {
		outcome.Stored = stored
		return res, outcome
	}
	outcome.Err = err
	r.log.Debug().Err(err).Str("path", req.URL.Path).Msg("Navigation offline, trying fallbacks")

	if res, store, fallback, ok := r.pageFallback(req); ok {
		outcome.Source = SourceCache
		outcome.Store = store
		outcome.Fallback = fallback
		return res, outcome
	}
	outcome.Source = SourceSynthetic
	return navigationOffline(req), outcome
}

func (r *Router) pageFallback(req *http.Request) (*http.Response, string, Fallback, bool) {
	type step struct {
		fallback Fallback
		key      string
	}
	steps := []step{
		{FallbackExact, r.policy.Keyer.Key(req)},
		{FallbackPath, r.policy.Keyer.PathKey(req)},
	}
	if req.URL.Path == "/" || req.URL.Path == "" {
		steps = append(steps, step{FallbackRoot, r.policy.Keyer.RootKey()})
	}
	steps = append(steps, step{FallbackOfflinePage, r.policy.Keyer.GetKey(r.pages.Resolve(req.URL.Path))})

	for _, s := range steps {
		if res, store, ok := r.match(req, s.key); ok {
			return res, store, s.fallback, true
		}
	}
	return nil, "", "", false
}

// asset is cache-first over every store.
func (r *Router) asset(req *http.Request) (*http.Response, Outcome) {
	if res, store, ok := r.match(req, r.policy.Keyer.Key(req)); ok {
		return res, Outcome{Source: SourceCache, Store: store, Fallback: FallbackExact}
	}
	outcome := Outcome{Source: SourceNetwork, Missed: true}
	res, stored, err := r.fetch(req)
	if err == nil {
		outcome.Stored = stored
		return res, outcome
	}
	outcome.Err = err
	outcome.Source = SourceSynthetic
	return assetUnavailable(req), outcome
}

// fetch gets the response from the network and schedules storing a duplicate of it.
// A response whose body cannot be read completely counts as a network failure.
func (r *Router) fetch(req *http.Request) (*http.Response, bool, error) {
	res, err := r.network.RoundTrip(req)
	if err != nil {
		return nil, false, err
	}
	// partial content is never stored
	if res.StatusCode == http.StatusPartialContent {
		return res, false, nil
	}
	bts, err := serializer.Duplicate(res)
	if err != nil {
		return nil, false, err
	}
	key := r.policy.Keyer.Key(req)
	stored := r.scheduler.Go(func() {
		r.store(key, bts)
	})
	if !stored {
		r.log.Debug().Str("key", key).Msg("Shutting down, response not stored")
	}
	return res, stored, nil
}

// store writes into the dynamic store and trims it. Failures are logged only.
func (r *Router) store(key string, bts []byte) {
	dynamic, err := r.generation.Dynamic()
	if err != nil {
		r.storageError("open", err)
		return
	}
	if err := dynamic.Put(key, bts); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Could not write response to cache")
		r.metrics.StorageError("put")
		return
	}
	r.metrics.Stored()
	r.log.Trace().Str("key", key).Str("store", dynamic.Name()).Msg("Stored response")
	if r.governor == nil {
		return
	}
	if _, err := r.governor.Enforce(dynamic); err != nil {
		r.log.Error().Err(err).Str("store", dynamic.Name()).Msg("Could not enforce store size")
		r.metrics.StorageError("evict")
	}
}

// match looks the key up in every store.
func (r *Router) match(req *http.Request, key string) (*http.Response, string, bool) {
	b, store, ok, err := r.storage.Match(key)
	if err != nil {
		r.storageError("match", err)
		return nil, "", false
	}
	if !ok {
		r.log.Trace().Str("key", key).Msg("Cache miss")
		return nil, "", false
	}
	res, err := serializer.Restore(b, req)
	if err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("Could not restore stored response")
		return nil, "", false
	}
	r.log.Trace().Str("key", key).Str("store", store).Msg("Cache hit")
	return res, store, true
}

func (r *Router) storageError(op string, err error) {
	r.log.Error().Err(err).Str("op", op).Msg("Storage failure")
	r.metrics.StorageError(op)
}

func (r *Router) logResponse(req *http.Request, res *http.Response, outcome Outcome) {
	r.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("route", outcome.Route.String()).
		Str("source", string(outcome.Source)).
		Str("fallback", string(outcome.Fallback)).
		Bool("stored", outcome.Stored).
		Int("status", res.StatusCode).
		Msg("Sending response to client")
}

// ServeHTTP implements the http.Handler interface.
// Requests for another origin are answered with 403, only RoundTrip passes them through.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var (
		res     *http.Response
		outcome Outcome
	)
	if !r.policy.Keyer.SameOrigin(req) {
		r.log.Debug().Str("url", req.URL.String()).Msg("Refusing to relay cross-origin request")
		res, outcome = relayRefused(req), Outcome{Route: RoutePassThrough, Source: SourceSynthetic}
		r.metrics.Response(outcome.Route.String(), string(outcome.Source))
	} else {
		res, outcome = r.Serve(req)
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	outcome.CacheStatus().Set(w.Header())
	w.WriteHeader(res.StatusCode)
	if req.Method == http.MethodHead {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not write response body to client")
	}
	r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers added by a proxy in front of the origin are not passed on
		if strings.HasPrefix(k, "X-Forwarded-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
