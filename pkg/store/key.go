package store

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Key identifies a stored response: request method plus normalized URL.
type Key struct {
	// Method is the upper-cased request method (always GET for stored entries)
	Method string

	// URL is the normalized request URL
	URL string
}

// NewKey builds a Key from a method and raw URL.
//
// Normalization lower-cases scheme and host, strips default ports and the
// fragment, and sorts query parameters so that equivalent URLs share a key.
func NewKey(method, rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	return Key{
		Method: strings.ToUpper(method),
		URL:    normalizeURL(u),
	}, nil
}

// KeyFromRequest builds the Key for an outbound request.
func KeyFromRequest(req *http.Request) Key {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{
		Method: strings.ToUpper(method),
		URL:    normalizeURL(req.URL),
	}
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("invalid key %q", s)
	}
	return NewKey(method, rawURL)
}

// String generates the deterministic key string.
// Format: METHOD normalized-url
//
// Example:
//
//	GET https://shop.example.com/api/restaurants?city=berlin&page=1
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Path returns the path component of the key URL.
func (k Key) Path() string {
	u, err := url.Parse(k.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

func normalizeURL(in *url.URL) string {
	if in == nil {
		return "/"
	}
	u := *in
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	// url.Values.Encode sorts by key
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.ForceQuery = false

	return u.String()
}
