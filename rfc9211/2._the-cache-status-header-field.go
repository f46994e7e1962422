package rfc9211

import (
	"net/http"
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.

const HeaderName = "Cache-Status"

// Product is the cache identifier written as the first list member.
const Product = "Always-Offline"

type Status string

const (
	// §  2.1.  The hit Parameter
	// §
	// §     "hit", when true, indicates that the request was satisfied by the
	// §     cache; that is, it was not forwarded, and the response was obtained
	// §     from the cache.
	StatusHit Status = "hit"
	// §  2.2.  The fwd Parameter
	// §
	// §     "fwd" indicates that the request went forward towards the origin;
	// §     its value indicates why.
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache contained a response that matched the request, but the
	// caching policy requires the network to be asked first.
	FwdRequest FwdReason = "request"
)

// CacheStatus collects the parameters of one Cache-Status list member.
// The zero value describes a response that was neither a hit nor forwarded,
// i.e. one synthesized locally.
type CacheStatus struct {
	status    Status
	fwdReason FwdReason
	fwdStatus int
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// §  2.3.  The fwd-status Parameter
// §
// §     "fwd-status" indicates what status code the next hop server returned
// §     in response to the forwarded request.
func (cs *CacheStatus) ForwardStatus(code int) {
	cs.fwdStatus = code
}

// §  2.5.  The stored Parameter
// §
// §     "stored" indicates whether the cache stored the response; a true
// §     value indicates that it did.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// §  2.8.  The detail Parameter
// §
// §     "detail" allows implementations to convey additional information not
// §     captured in other parameters, such as implementation-specific states
// §     or other caching-related metrics.
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	params := []string{Product}
	switch cs.status {
	case StatusHit:
		params = append(params, string(StatusHit))
	case StatusFwd:
		fwd := string(StatusFwd)
		if cs.fwdReason != "" {
			fwd += "=" + string(cs.fwdReason)
		}
		params = append(params, fwd)
		if cs.fwdStatus != 0 {
			params = append(params, "fwd-status="+strconv.Itoa(cs.fwdStatus))
		}
	}
	if cs.stored {
		params = append(params, "stored")
	}
	if cs.detail != "" {
		params = append(params, "detail="+cs.detail)
	}
	return strings.Join(params, "; ")
}

// Set adds the status to the header, after any members written by caches closer to the origin.
func (cs CacheStatus) Set(header http.Header) {
	if prev := header.Get(HeaderName); prev != "" {
		header.Set(HeaderName, prev+", "+cs.String())
		return
	}
	header.Set(HeaderName, cs.String())
}
