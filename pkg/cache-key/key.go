package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

type Keyer struct {
	// Origin of the application, e.g. https://app.example.com.
	// Scheme and host are lower case, there is no trailing slash.
	Origin string
}

// NewKeyer creates a keyer for the given application origin.
// Anything after the host (path, query) is ignored.
func NewKeyer(origin string) (Keyer, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return Keyer{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return Keyer{}, fmt.Errorf("Origin must be absolute: %s", origin)
	}
	return Keyer{Origin: OriginOf(u)}, nil
}

// OriginOf returns the scheme://host[:port] part of an absolute URL.
func OriginOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// AbsoluteURL returns the URL of the request with origin, path and query.
// Requests with a relative URL (as received by a server) are resolved against the keyer's origin.
func (k Keyer) AbsoluteURL(r *http.Request) string {
	return k.originOf(r) + r.URL.RequestURI()
}

// SameOrigin reports whether the request targets the application origin.
func (k Keyer) SameOrigin(r *http.Request) bool {
	return k.originOf(r) == k.Origin
}

func (k Keyer) originOf(r *http.Request) string {
	if r.URL.IsAbs() && r.URL.Host != "" {
		return OriginOf(r.URL)
	}
	return k.Origin
}

// Key returns the store key of a request: the method and the absolute URL.
func (k Keyer) Key(r *http.Request) string {
	return r.Method + methodSeparator + k.AbsoluteURL(r)
}

// PathKey returns the key of a GET for the request path, without the query.
// It is used to find a page regardless of its query parameters.
func (k Keyer) PathKey(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return http.MethodGet + methodSeparator + k.originOf(r) + path
}

// RootKey returns the key of a GET for the origin root.
func (k Keyer) RootKey() string {
	return k.GetKey("/")
}

// GetKey returns the key of a GET for a path (which may include a query) on the origin.
func (k Keyer) GetKey(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return http.MethodGet + methodSeparator + k.Origin + path
}
