package lifecycle

import (
	"encoding/json"
	"fmt"
)

// MessageType names a host message.
type MessageType string

const (
	// MessageSkipWaiting asks for activation as soon as install completes.
	MessageSkipWaiting MessageType = "SKIP_WAITING"

	// MessageCacheURLs pre-warms a URL list into the dynamic partition.
	MessageCacheURLs MessageType = "CACHE_URLS"
)

// Message is a host message, e.g. {"type":"CACHE_URLS","urls":["/menu"]}.
type Message struct {
	Type MessageType `json:"type"`
	URLs []string    `json:"urls,omitempty"`
}

// MessageResult reports what a message did.
type MessageResult struct {
	// Cached is the number of URLs stored by CACHE_URLS
	Cached int `json:"cached"`

	// Failed lists URLs that CACHE_URLS could not store
	Failed []string `json:"failed,omitempty"`

	// Activated is true when SKIP_WAITING activated immediately
	Activated bool `json:"activated"`

	// Deferred is true when SKIP_WAITING will activate after install
	Deferred bool `json:"deferred,omitempty"`
}

// ParseMessage decodes a JSON host message.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("parse message: missing type")
	}
	return m, nil
}
