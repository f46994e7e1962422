package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/generation"
	"github.com/always-cache/always-offline/offline"
	offlinepages "github.com/always-cache/always-offline/pkg/offline-pages"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var names = generation.Names{Prefix: "bqa-one", Version: "v10.3"}

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork answers with the body "network <path>" unless offline.
type fakeNetwork struct {
	mutex   sync.Mutex
	offline bool
	calls   []string
	respond func(req *http.Request) *http.Response
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	if n.offline {
		return nil, errOffline
	}
	if n.respond != nil {
		return n.respond(req), nil
	}
	return textResponse(200, "network "+req.URL.RequestURI()), nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.calls)
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

type fixture struct {
	router    *Router
	storage   *cache.MemStorage
	lock      *offline.Lock
	scheduler *Background
	network   *fakeNetwork
}

func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	storage := cache.NewMemStorage()
	logger := zerolog.Nop()
	f := &fixture{
		storage:   storage,
		lock:      &offline.Lock{},
		scheduler: &Background{},
		network:   &fakeNetwork{},
	}
	config := Config{
		Policy:       testPolicy(t),
		Storage:      storage,
		Generation:   generation.NewManager(storage, names, nil, logger, nil),
		Governor:     generation.NewGovernor(60, logger, nil),
		Lock:         f.lock,
		Network:      f.network,
		Scheduler:    f.scheduler,
		OfflinePages: offlinepages.New(nil, ""),
		Logger:       &logger,
	}
	for _, c := range configure {
		c(&config)
	}
	r, err := New(config)
	require.NoError(t, err)
	f.router = r
	return f
}

func (f *fixture) put(t *testing.T, store, key string, status int, body string) {
	st, err := f.storage.Open(store)
	require.NoError(t, err)
	bts, err := serializer.Duplicate(textResponse(status, body))
	require.NoError(t, err)
	require.NoError(t, st.Put(key, bts))
}

func (f *fixture) stored(t *testing.T, key string) (string, bool) {
	st, err := f.storage.Open(names.Dynamic())
	require.NoError(t, err)
	b, ok, err := st.Get(key)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	res, err := serializer.Restore(b, nil)
	require.NoError(t, err)
	return readBody(t, res), true
}

func (f *fixture) dynamicLen(t *testing.T) int {
	st, err := f.storage.Open(names.Dynamic())
	require.NoError(t, err)
	n, err := st.Len()
	require.NoError(t, err)
	return n
}

func readBody(t *testing.T, res *http.Response) string {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func get(url string, header ...string) *http.Request {
	req, _ := http.NewRequest("GET", url, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func navigate(url string) *http.Request {
	return get(url, "Sec-Fetch-Mode", "navigate", "Accept", "text/html")
}

func TestBlockedMutation(t *testing.T) {
	f := newFixture(t)
	f.lock.Set(true)
	req, _ := http.NewRequest("POST", "https://app.test/glp/save", strings.NewReader(`{"a":1}`))

	res, outcome := f.router.Serve(req)
	assert.Equal(t, 503, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, "offline-forced", readBody(t, res))
	assert.Equal(t, RouteBlockedMutation, outcome.Route)
	assert.Equal(t, 0, f.network.callCount(), "blocked mutations never reach the network")
}

func TestLockChangeAppliesToNextRequest(t *testing.T) {
	f := newFixture(t)
	post := func() *http.Response {
		req, _ := http.NewRequest("POST", "https://app.test/glp/save", nil)
		return f.router.Handle(req)
	}
	assert.Equal(t, 200, post().StatusCode)
	f.lock.Set(true)
	assert.Equal(t, 503, post().StatusCode)
	f.lock.Set(false)
	assert.Equal(t, 200, post().StatusCode)
	assert.Equal(t, 2, f.network.callCount())
}

func TestUnconditionalPassThroughNotStored(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest("POST", "https://app.test/glp/save", nil)

	res, outcome := f.router.Serve(req)
	f.scheduler.Wait()
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, RouteUnconditionalPassThrough, outcome.Route)
	assert.False(t, outcome.Stored)
	assert.Equal(t, 0, f.dynamicLen(t))
}

func TestCrossOriginPassThrough(t *testing.T) {
	f := newFixture(t)
	res, outcome := f.router.Serve(get("https://cdn.test/lib.js"))
	f.scheduler.Wait()
	assert.Equal(t, "network /lib.js", readBody(t, res))
	assert.Equal(t, RoutePassThrough, outcome.Route)
	assert.Equal(t, 0, f.dynamicLen(t))

	f.network.setOffline(true)
	res, _ = f.router.Serve(get("https://cdn.test/lib.js"))
	assert.Equal(t, 502, res.StatusCode)
	assert.Equal(t, "", readBody(t, res))
}

func TestAPINetworkSuccessStoresDuplicate(t *testing.T) {
	f := newFixture(t)
	res, outcome := f.router.Serve(get("https://app.test/glp/items?page=2", "Accept", "application/json"))

	assert.Equal(t, RouteAPI, outcome.Route)
	assert.Equal(t, SourceNetwork, outcome.Source)
	assert.True(t, outcome.Stored)
	assert.Equal(t, "network /glp/items?page=2", readBody(t, res))

	f.scheduler.Wait()
	body, ok := f.stored(t, "GET:https://app.test/glp/items?page=2")
	require.True(t, ok)
	assert.Equal(t, "network /glp/items?page=2", body)
}

func TestAPIErrorStatusIsStillNetworkSuccess(t *testing.T) {
	f := newFixture(t)
	f.network.respond = func(req *http.Request) *http.Response {
		return textResponse(500, "boom")
	}
	res, outcome := f.router.Serve(get("https://app.test/glp/items"))
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, SourceNetwork, outcome.Source)
	assert.Equal(t, 500, outcome.Status)
	assert.Equal(t, "Always-Offline; fwd=request; fwd-status=500; stored", outcome.CacheStatus().String())
}

func TestAPIOfflineServesDynamicCopy(t *testing.T) {
	f := newFixture(t)
	f.router.Serve(get("https://app.test/glp/items"))
	f.scheduler.Wait()
	f.network.setOffline(true)

	res, outcome := f.router.Serve(get("https://app.test/glp/items"))
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "network /glp/items", readBody(t, res))
	assert.Equal(t, SourceCache, outcome.Source)
	assert.Equal(t, names.Dynamic(), outcome.Store)
	assert.ErrorIs(t, outcome.Err, errOffline)
}

func TestAPIOfflineWithoutCopy(t *testing.T) {
	f := newFixture(t)
	f.network.setOffline(true)
	// the static store is not consulted for api requests
	f.put(t, names.Static(), "GET:https://app.test/glp/items", 200, "static copy")

	res, outcome := f.router.Serve(get("https://app.test/glp/items"))
	assert.Equal(t, 503, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, SourceSynthetic, outcome.Source)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, res)), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["offline"])
	assert.Equal(t, DefaultAPIOfflineMessage, body["message"])
}

func TestAPIOfflineCustomMessage(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.APIOfflineMessage = "Sin conexión" })
	f.network.setOffline(true)
	res := f.router.Handle(get("https://app.test/glp/items"))
	assert.Contains(t, readBody(t, res), "Sin conexión")
}

func TestNavigationNetworkFirst(t *testing.T) {
	f := newFixture(t)
	f.put(t, names.Static(), "GET:https://app.test/dashboard", 200, "stale copy")

	res, outcome := f.router.Serve(navigate("https://app.test/dashboard"))
	assert.Equal(t, "network /dashboard", readBody(t, res))
	assert.Equal(t, SourceNetwork, outcome.Source)
	assert.Equal(t, 1, f.network.callCount())

	f.scheduler.Wait()
	body, ok := f.stored(t, "GET:https://app.test/dashboard")
	require.True(t, ok)
	assert.Equal(t, "network /dashboard", body)
}

func TestNavigationFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		entries  map[string]string
		body     string
		fallback Fallback
	}{
		{
			name:     "exact",
			url:      "https://app.test/glp.html?x=1",
			entries:  map[string]string{"GET:https://app.test/glp.html?x=1": "exact", "GET:https://app.test/glp.html": "path"},
			body:     "exact",
			fallback: FallbackExact,
		},
		{
			name:     "bare path",
			url:      "https://app.test/glp.html?x=2",
			entries:  map[string]string{"GET:https://app.test/glp.html": "path", "GET:https://app.test/offline.html": "offline"},
			body:     "path",
			fallback: FallbackPath,
		},
		{
			name:     "root",
			url:      "https://app.test/?utm=1",
			entries:  map[string]string{"GET:https://app.test/": "root", "GET:https://app.test/offline.html": "offline"},
			body:     "root",
			fallback: FallbackPath,
		},
		{
			name:     "offline page",
			url:      "https://app.test/reports/3",
			entries:  map[string]string{"GET:https://app.test/": "root", "GET:https://app.test/offline.html": "offline"},
			body:     "offline",
			fallback: FallbackOfflinePage,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.network.setOffline(true)
			for key, body := range test.entries {
				f.put(t, names.Static(), key, 200, body)
			}
			res, outcome := f.router.Serve(navigate(test.url))
			assert.Equal(t, 200, res.StatusCode)
			assert.Equal(t, test.body, readBody(t, res))
			assert.Equal(t, SourceCache, outcome.Source)
			assert.Equal(t, test.fallback, outcome.Fallback)
		})
	}
}

func TestNavigationOfflinePageRules(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.OfflinePages = offlinepages.New(offlinepages.Rules{
			{Prefix: "/glp", Page: "/glp_offline.html"},
		}, "")
	})
	f.network.setOffline(true)
	f.put(t, names.Static(), "GET:https://app.test/glp_offline.html", 200, "glp offline")
	f.put(t, names.Static(), "GET:https://app.test/offline.html", 200, "generic offline")

	res := f.router.Handle(navigate("https://app.test/glp.html"))
	assert.Equal(t, "glp offline", readBody(t, res))
	res = f.router.Handle(navigate("https://app.test/other"))
	assert.Equal(t, "generic offline", readBody(t, res))
}

func TestNavigationAllFallbacksExhausted(t *testing.T) {
	f := newFixture(t)
	f.network.setOffline(true)

	res, outcome := f.router.Serve(navigate("https://app.test/"))
	assert.Equal(t, 503, res.StatusCode)
	assert.Equal(t, "text/html", res.Header.Get("Content-Type"))
	assert.Contains(t, readBody(t, res), "<!DOCTYPE html>")
	assert.Equal(t, SourceSynthetic, outcome.Source)
}

func TestNavigationCacheFirst(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Navigation = NavigationCacheFirst })
	f.put(t, names.Dynamic(), "GET:https://app.test/glp.html", 200, "cached page")

	res, outcome := f.router.Serve(navigate("https://app.test/glp.html?tab=2"))
	assert.Equal(t, "cached page", readBody(t, res))
	assert.Equal(t, FallbackPath, outcome.Fallback)
	assert.Equal(t, 0, f.network.callCount(), "a cached page is served without the network")

	res, outcome = f.router.Serve(navigate("https://app.test/fresh.html"))
	assert.Equal(t, "network /fresh.html", readBody(t, res))
	assert.True(t, outcome.Missed)
}

func TestStaticAssetCacheFirst(t *testing.T) {
	f := newFixture(t)
	f.put(t, names.Static(), "GET:https://app.test/static/app.js", 200, "shell js")

	res, outcome := f.router.Serve(get("https://app.test/static/app.js"))
	assert.Equal(t, "shell js", readBody(t, res))
	assert.Equal(t, SourceCache, outcome.Source)
	assert.Equal(t, names.Static(), outcome.Store)
	assert.Equal(t, 0, f.network.callCount())
}

func TestStaticAssetMissFetchesAndStores(t *testing.T) {
	f := newFixture(t)
	res, outcome := f.router.Serve(get("https://app.test/static/new.css"))
	assert.Equal(t, "network /static/new.css", readBody(t, res))
	assert.True(t, outcome.Missed)
	f.scheduler.Wait()

	f.network.setOffline(true)
	res, outcome = f.router.Serve(get("https://app.test/static/new.css"))
	assert.Equal(t, "network /static/new.css", readBody(t, res))
	assert.Equal(t, SourceCache, outcome.Source)
	assert.Equal(t, 1, f.network.callCount())
}

func TestStaticAssetTotalFailure(t *testing.T) {
	f := newFixture(t)
	f.network.setOffline(true)
	res, outcome := f.router.Serve(get("https://app.test/static/missing.png"))
	assert.Equal(t, 504, res.StatusCode)
	assert.Equal(t, "", readBody(t, res))
	assert.Equal(t, SourceSynthetic, outcome.Source)
}

func TestPartialContentNotStored(t *testing.T) {
	f := newFixture(t)
	f.network.respond = func(req *http.Request) *http.Response {
		return textResponse(http.StatusPartialContent, "part")
	}
	res, outcome := f.router.Serve(get("https://app.test/static/video.mp4"))
	f.scheduler.Wait()
	assert.Equal(t, "part", readBody(t, res))
	assert.False(t, outcome.Stored)
	assert.Equal(t, 0, f.dynamicLen(t))
}

func TestDynamicStoreBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Governor = generation.NewGovernor(5, zerolog.Nop(), nil)
	})
	for i := 0; i < 12; i++ {
		f.router.Handle(get(fmt.Sprintf("https://app.test/glp/items/%d", i)))
		f.scheduler.Wait()
	}
	assert.Equal(t, 5, f.dynamicLen(t))
	_, ok := f.stored(t, "GET:https://app.test/glp/items/11")
	assert.True(t, ok, "newest entry is kept")
	_, ok = f.stored(t, "GET:https://app.test/glp/items/0")
	assert.False(t, ok, "oldest entry is evicted")
}

func TestConcurrentPopulationStaysBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Governor = generation.NewGovernor(10, zerolog.Nop(), nil)
	})
	wg := sync.WaitGroup{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.router.Handle(get(fmt.Sprintf("https://app.test/glp/items/%d", i)))
		}(i)
	}
	wg.Wait()
	f.scheduler.Wait()
	assert.LessOrEqual(t, f.dynamicLen(t), 10)
}

func TestServeHTTP(t *testing.T) {
	f := newFixture(t)
	f.put(t, names.Static(), "GET:https://app.test/static/app.js", 200, "shell js")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", "/static/app.js", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "shell js", rec.Body.String())
	assert.Equal(t, "Always-Offline; hit", rec.Header().Get("Cache-Status"))

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", "/glp/items", nil))
	assert.Equal(t, "network /glp/items", rec.Body.String())
	assert.Equal(t, "Always-Offline; fwd=request; fwd-status=200; stored", rec.Header().Get("Cache-Status"))
	f.scheduler.Wait()

	f.lock.Set(true)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("POST", "/glp/items", nil))
	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, "Always-Offline; detail=offline-forced", rec.Header().Get("Cache-Status"))

	f.network.setOffline(true)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", "/glp/items", nil))
	assert.Equal(t, "Always-Offline; hit; detail=offline", rec.Header().Get("Cache-Status"))
}

func TestStoredBodyHasNoCacheStatus(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", "/static/app.css", nil))
	f.scheduler.Wait()

	st, _ := f.storage.Open(names.Dynamic())
	b, ok, err := st.Get("GET:https://app.test/static/app.css")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(b), "Cache-Status")
}

func TestRoundTripEmbedded(t *testing.T) {
	f := newFixture(t)
	f.network.setOffline(true)
	client := &http.Client{Transport: f.router}

	res, err := client.Get("https://app.test/glp/items")
	require.NoError(t, err, "the router answers even without network")
	assert.Equal(t, 503, res.StatusCode)
	res.Body.Close()
}

func TestServeHTTPRefusesCrossOrigin(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", "http://internal.test/admin", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "cross-origin requests are not relayed", rec.Body.String())
	assert.Equal(t, "Always-Offline", rec.Header().Get("Cache-Status"))
	assert.Equal(t, 0, f.network.callCount(), "the server must not relay to other hosts")

	// absolute URIs on the application origin are still served
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest("GET", "https://app.test/glp/items", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "network /glp/items", rec.Body.String())
	f.scheduler.Wait()
}

func TestRoundTripForwardsCrossOrigin(t *testing.T) {
	f := newFixture(t)
	client := &http.Client{Transport: f.router}

	res, err := client.Get("https://cdn.test/lib.js")
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "network /lib.js", readBody(t, res))
	assert.Equal(t, 1, f.network.callCount())
}
