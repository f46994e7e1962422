// Package control handles the messages exchanged with client sessions:
// the forced-offline toggle and the queue flush notification.
package control

import "encoding/json"

const (
	// Inbound toggle of the offline lock.
	ForceOfflineType = "GLP_FORCE_OFFLINE"
	// Reply to the originating session with the resulting flag.
	ForceOfflineAckType = "GLP_FORCE_OFFLINE_ACK"
	// Broadcast telling clients to drain their queue of failed mutations.
	SyncType         = "BQA_GLPSYNC"
	FlushQueueAction = "flushQueue"
	// Deferred-sync tag that triggers the queue flush broadcast.
	SyncTag = "sync-glp-queue"
)

// Message is an inbound control message.
type Message struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type Ack struct {
	Type  string `json:"type"`
	Value bool   `json:"value"`
}

type SyncNotice struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// Truthy interprets a JSON value the way a loosely typed client means it:
// false, null, 0, "" and a missing value are false, anything else is true.
func Truthy(value json.RawMessage) bool {
	if len(value) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(value, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
