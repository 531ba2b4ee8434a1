// Package push defines the message contract of the push bridge: how an
// incoming push payload becomes a notification shown by the host and
// which URL a click opens.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultTitle = "New update"
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/badge-72.png"
	DefaultURL   = "/"
)

// Notification is the normalized push message.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`

	// Tag groups notifications; a newer one with the same tag replaces the older
	Tag string `json:"tag,omitempty"`

	// URL is opened when the notification is clicked
	URL string `json:"url"`

	// Data is passed through untouched
	Data json.RawMessage `json:"data,omitempty"`
}

// Parse decodes a push payload. An empty payload yields the defaults, a
// payload that is not a JSON object becomes the notification body, and
// missing fields are filled with defaults.
func Parse(payload []byte) (Notification, error) {
	n := Notification{}

	trimmed := bytes.TrimSpace(payload)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '{':
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return Notification{}, fmt.Errorf("parse push payload: %w", err)
		}
	default:
		n.Body = string(trimmed)
	}

	n.applyDefaults()
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (n *Notification) applyDefaults() {
	if strings.TrimSpace(n.Title) == "" {
		n.Title = DefaultTitle
	}
	if n.Icon == "" {
		n.Icon = DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = DefaultBadge
	}
	if n.URL == "" {
		n.URL = DefaultURL
	}
}

// Validate rejects click targets that leave the application.
func (n Notification) Validate() error {
	u, err := url.Parse(n.URL)
	if err != nil {
		return fmt.Errorf("invalid notification url %q: %w", n.URL, err)
	}
	if u.IsAbs() || u.Host != "" {
		return fmt.Errorf("notification url %q must be relative to the application", n.URL)
	}
	return nil
}

// ClickTarget resolves the click URL against the application origin.
func (n Notification) ClickTarget(origin string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	ref, err := url.Parse(n.URL)
	if err != nil {
		return "", fmt.Errorf("invalid notification url %q: %w", n.URL, err)
	}
	return base.ResolveReference(ref).String(), nil
}
