// Package resync replays queued mutating requests against the origin once
// connectivity returns. Delivery is best effort and at least once: the
// Idempotency-Key header carries the mutation id so the origin can dedupe.
package resync

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/offline-cache/pkg/network"
)

// HeaderIdempotencyKey carries the mutation id on every delivery attempt.
const HeaderIdempotencyKey = "Idempotency-Key"

// ErrNotFound indicates the mutation id is not queued.
var ErrNotFound = errors.New("mutation not found")

// PendingMutation is a write that could not be delivered when it was made.
type PendingMutation struct {
	ID          string    `json:"id"`
	Method      string    `json:"method"`
	Endpoint    string    `json:"endpoint"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// Attempts counts failed delivery triggers
	Attempts int `json:"attempts"`

	// LastError is the most recent delivery failure
	LastError string `json:"last_error,omitempty"`
}

// NewPendingMutation creates a mutation with a fresh id. An empty method defaults to POST.
func NewPendingMutation(method, endpoint, contentType string, payload []byte) *PendingMutation {
	if method == "" {
		method = http.MethodPost
	}
	return &PendingMutation{
		ID:          uuid.NewString(),
		Method:      method,
		Endpoint:    endpoint,
		ContentType: contentType,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
}

// clone returns a deep copy.
func (m *PendingMutation) clone() *PendingMutation {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// DeliveryError reports a failed delivery of a queued mutation.
type DeliveryError struct {
	MutationID string
	Endpoint   string
	Class      network.ErrorClass
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver %s to %s: rejected with status %d", e.MutationID, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("deliver %s to %s: %v", e.MutationID, e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying cannot help (the origin rejected the mutation).
func (e *DeliveryError) Permanent() bool {
	return e.Class == network.ErrorClassClient
}
