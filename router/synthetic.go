package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DefaultAPIOfflineMessage is the message of the API answer given without network and cache.
const DefaultAPIOfflineMessage = "No connection and no cached copy of this API response."

const offlineHTML = "<!DOCTYPE html><html><head><meta charset='UTF-8'><title>Offline</title></head>" +
	"<body style='font-family:sans-serif; padding:16px;'>" +
	"<h2>No internet connection</h2>" +
	"<p>No saved copy of this page was found and the network is unavailable.</p>" +
	"<p>Open the application again once you are back online to refresh its data.</p>" +
	"</body></html>"

type apiOfflineBody struct {
	Success bool   `json:"success"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

func newResponse(req *http.Request, status int, contentType string, body string) *http.Response {
	header := make(http.Header)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// blockedMutation answers a mutating request while the offline lock is active.
func blockedMutation(req *http.Request) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, "text/plain", "offline-forced")
}

// apiOffline answers an API request that has neither network nor a cached copy.
func apiOffline(req *http.Request, message string) *http.Response {
	if message == "" {
		message = DefaultAPIOfflineMessage
	}
	body, _ := json.Marshal(apiOfflineBody{
		Success: false,
		Offline: true,
		Message: message,
	})
	return newResponse(req, http.StatusServiceUnavailable, "application/json", string(body))
}

// navigationOffline is the last resort for a page that has no cached copy or offline page.
func navigationOffline(req *http.Request) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, "text/html", offlineHTML)
}

// assetUnavailable answers a static asset that has neither network nor a cached copy.
func assetUnavailable(req *http.Request) *http.Response {
	return newResponse(req, http.StatusGatewayTimeout, "", "")
}

// badGateway answers a forwarded request whose transport failed.
func badGateway(req *http.Request) *http.Response {
	return newResponse(req, http.StatusBadGateway, "", "")
}

// relayRefused answers a request for another origin received by the server.
func relayRefused(req *http.Request) *http.Response {
	return newResponse(req, http.StatusForbidden, "text/plain", "cross-origin requests are not relayed")
}
