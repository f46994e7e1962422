package alwaysoffline

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/always-cache/always-offline/control"
)

const maxControlBody = 64 * 1024

type health struct {
	ForceOffline bool   `json:"forceOffline"`
	Version      string `json:"version"`
	Static       string `json:"static"`
	Dynamic      string `json:"dynamic"`
	Controller   string `json:"controller"`
	Sessions     int    `json:"sessions"`
	Stores       int    `json:"stores"`
}

// serveControl applies a control message sent without a session.
// There is nobody to acknowledge to, the caller gets 204.
// Only application/json bodies from an allowed origin are accepted.
func (w *Worker) serveControl(rw http.ResponseWriter, r *http.Request) {
	if !w.checkOrigin(r) {
		w.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("Refusing control message from foreign origin")
		http.Error(rw, "origin not allowed", http.StatusForbidden)
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		http.Error(rw, "control messages must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(rw, "could not read body", http.StatusBadRequest)
		return
	}
	var msg control.Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.Type == "" {
		http.Error(rw, "malformed control message", http.StatusBadRequest)
		return
	}
	w.channel.Handle(msg, nil)
	rw.WriteHeader(http.StatusNoContent)
}

// serveSync delivers a deferred-sync signal, e.g. from the platform's background sync.
func (w *Worker) serveSync(rw http.ResponseWriter, r *http.Request) {
	if !w.checkOrigin(r) {
		http.Error(rw, "origin not allowed", http.StatusForbidden)
		return
	}
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(rw, "missing tag", http.StatusBadRequest)
		return
	}
	w.notifier.Sync(tag)
	rw.WriteHeader(http.StatusAccepted)
}

func (w *Worker) serveHealth(rw http.ResponseWriter, r *http.Request) {
	names := w.generation.Names()
	h := health{
		ForceOffline: w.lock.Active(),
		Version:      names.Version,
		Static:       names.Static(),
		Dynamic:      names.Dynamic(),
		Controller:   w.hub.Version(),
		Sessions:     w.hub.Len(),
	}
	stores, err := w.storage.Names()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list stores")
		http.Error(rw, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	h.Stores = len(stores)
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(h)
}
