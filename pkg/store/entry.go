package store

import (
	"net/http"
	"time"
)

// Entry represents a stored response.
type Entry struct {
	// Body is the response body
	Body []byte `json:"body"`

	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// ETag for conditional revalidation (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified from the origin's Last-Modified header (If-Modified-Since)
	LastModified time.Time `json:"last_modified,omitempty"`

	// StoredAt is when the entry was written
	StoredAt time.Time `json:"stored_at"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	c.Headers = e.Headers.Clone()
	return &c
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	if e.StoredAt.IsZero() {
		return 0
	}
	return time.Since(e.StoredAt)
}

// Revalidated returns a copy of the entry with StoredAt reset to now.
// Used when the origin answers 304 Not Modified.
func (e *Entry) Revalidated() *Entry {
	c := e.Clone()
	c.StoredAt = time.Now()
	return c
}
