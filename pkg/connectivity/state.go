// Package connectivity turns observed fetch outcomes into an online/offline
// state and fires "connectivity restored" signals used to trigger resync.
package connectivity

import (
	"time"
)

// RedisKeyState is where the shared state is stored when Redis is configured.
const RedisKeyState = "offline:connectivity:state"

// DefaultFailureThreshold is the number of consecutive connectivity failures
// after which the origin is considered offline.
const DefaultFailureThreshold = 3

// StaleAfter is how long a shared state may go without observations before
// readers should stop trusting it.
const StaleAfter = 5 * time.Minute

// State represents the current connectivity state.
type State struct {
	// Online is false after FailureThreshold consecutive connectivity failures.
	Online bool `json:"online"`

	// ConsecutiveFailures counts connectivity failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastChange is when Online last flipped.
	LastChange time.Time `json:"last_change"`

	// LastSuccess is the time of the last successful fetch.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last connectivity failure.
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// IsStale returns true if nothing was observed for longer than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	last := s.LastSuccess
	if s.LastFailure.After(last) {
		last = s.LastFailure
	}
	return time.Since(last) > maxAge
}

// OfflineFor returns how long the origin has been offline, 0 when online.
func (s *State) OfflineFor() time.Duration {
	if s.Online {
		return 0
	}
	return time.Since(s.LastChange)
}
