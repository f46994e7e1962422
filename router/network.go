package router

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
)

const DefaultNetworkTimeout = 30 * time.Second

// Hop-by-hop headers, see RFC 9110 section 7.6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type NetworkConfig struct {
	// Application origin. Requests to it are sent to Upstream when set.
	Keyer cachekey.Keyer
	// Optional address to send origin requests to, e.g. http://10.0.0.5:8080.
	// The Host header of the origin is kept.
	Upstream *url.URL
	// Hostname for TLS negotiation with the upstream, if it differs from its address.
	UpstreamHost string
	// Whole-exchange timeout. Zero disables it.
	Timeout time.Duration
	// Base transport, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

// Network sends requests to the real network.
// Redirects are not followed: a 3xx is a response like any other.
type Network struct {
	client   *http.Client
	keyer    cachekey.Keyer
	upstream *url.URL
}

func NewNetwork(config NetworkConfig) *Network {
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if config.UpstreamHost != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.UpstreamHost,
				},
			}
		}
	}
	return &Network{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		keyer:    config.Keyer,
		upstream: config.Upstream,
	}
}

// RoundTrip forwards the request. The request must have an absolute URL.
func (n *Network) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if n.upstream != nil && n.keyer.SameOrigin(out) {
		if out.Host == "" {
			out.Host = out.URL.Host
		}
		out.URL.Scheme = n.upstream.Scheme
		out.URL.Host = n.upstream.Host
	}
	return n.client.Do(out)
}
