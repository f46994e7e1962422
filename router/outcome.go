package router

import "github.com/always-cache/always-offline/rfc9211"

// Source tells where a response came from.
type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceSynthetic Source = "synthetic"
)

// Fallback is the lookup step that produced a stored response.
type Fallback string

const (
	FallbackExact       Fallback = "exact"
	FallbackPath        Fallback = "path"
	FallbackRoot        Fallback = "root"
	FallbackOfflinePage Fallback = "offline-page"
)

// Outcome describes how a response was produced.
type Outcome struct {
	Route  Route
	Source Source
	// Store the response was read from, for cache sources.
	Store    string
	Fallback Fallback
	// Status code of the network response, for network sources.
	Status int
	// A duplicate of the network response was handed over for storing.
	Stored bool
	// A cache-first lookup missed before the network was asked.
	Missed bool
	// Network failure that made a fallback necessary.
	Err error
}

// CacheStatus renders the outcome as a Cache-Status header value.
func (o Outcome) CacheStatus() rfc9211.CacheStatus {
	cs := rfc9211.CacheStatus{}
	switch o.Source {
	case SourceCache:
		cs.Hit()
	case SourceNetwork:
		switch {
		case o.Route == RoutePassThrough:
			cs.Forward(rfc9211.FwdBypass)
		case o.Route == RouteUnconditionalPassThrough:
			cs.Forward(rfc9211.FwdMethod)
		case o.Missed:
			cs.Forward(rfc9211.FwdUriMiss)
		default:
			cs.Forward(rfc9211.FwdRequest)
		}
		if o.Status != 0 {
			cs.ForwardStatus(o.Status)
		}
		if o.Stored {
			cs.Stored()
		}
	}
	switch {
	case o.Route == RouteBlockedMutation:
		cs.Detail("offline-forced")
	case o.Err != nil:
		cs.Detail("offline")
	}
	return cs
}
