// Package router decides how every intercepted request is answered and runs the chosen strategy.
package router

import (
	"net/http"
	"strings"

	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
)

// DefaultAPIPrefix is the path prefix of the JSON API served network-first.
const DefaultAPIPrefix = "/glp/"

type Route int

const (
	// Cross-origin request, forwarded untouched.
	RoutePassThrough Route = iota
	// Mutating request while the offline lock is active, answered locally.
	RouteBlockedMutation
	// Mutating request while online, forwarded and never cached.
	RouteUnconditionalPassThrough
	// JSON API request, network-first.
	RouteAPI
	// Page navigation or HTML request, network-first with offline fallbacks.
	RouteNavigation
	// Any other GET, cache-first.
	RouteStaticAsset
)

var routeNames = map[Route]string{
	RoutePassThrough:              "pass-through",
	RouteBlockedMutation:          "blocked-mutation",
	RouteUnconditionalPassThrough: "unconditional-pass-through",
	RouteAPI:                      "api",
	RouteNavigation:               "navigation",
	RouteStaticAsset:              "static-asset",
}

func (r Route) String() string {
	if name, ok := routeNames[r]; ok {
		return name
	}
	return "unknown"
}

// Policy holds what classification needs to know about the application.
type Policy struct {
	Keyer     cachekey.Keyer
	APIPrefix string
}

func (p Policy) apiPrefix() string {
	if p.APIPrefix == "" {
		return DefaultAPIPrefix
	}
	return p.APIPrefix
}

// IsNavigation reports whether the request is a top-level page navigation.
func IsNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// AcceptsHTML reports whether the accept header asks for an HTML document.
func AcceptsHTML(req *http.Request) bool {
	for _, accept := range req.Header.Values("Accept") {
		if strings.Contains(accept, "text/html") {
			return true
		}
	}
	return false
}

// Classify assigns the request to exactly one route. The first matching rule wins.
// It has no side effects; lockActive is the offline lock as read when the request arrived.
func Classify(req *http.Request, policy Policy, lockActive bool) Route {
	if !policy.Keyer.SameOrigin(req) {
		return RoutePassThrough
	}
	if req.Method != http.MethodGet {
		if lockActive {
			return RouteBlockedMutation
		}
		return RouteUnconditionalPassThrough
	}
	html := IsNavigation(req) || AcceptsHTML(req)
	if strings.HasPrefix(req.URL.Path, policy.apiPrefix()) && !html {
		return RouteAPI
	}
	if html {
		return RouteNavigation
	}
	return RouteStaticAsset
}
