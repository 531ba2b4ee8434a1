package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/network"
)

// Prometheus metrics for connectivity tracking.
var (
	connectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_connectivity_online",
		Help: "1 when the origin is reachable, 0 when offline",
	})

	connectivityRestoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_connectivity_restored_total",
		Help: "Total number of offline to online transitions",
	})
)

// Tracker monitors fetch outcomes and signals connectivity changes.
// It implements engine.Observer.
type Tracker struct {
	redis     *redis.Client
	logger    zerolog.Logger
	threshold int

	mu        sync.Mutex
	state     State
	listeners []func()
}

// NewTracker creates a tracker that starts online. redisClient is optional;
// when set, every transition is shared through Redis.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	connectivityOnline.Set(1)
	return &Tracker{
		redis:     redisClient,
		logger:    logger,
		threshold: threshold,
		state:     State{Online: true, LastChange: time.Now()},
	}
}

// OnRestored registers fn to run (in its own goroutine) whenever the
// tracker goes from offline to online.
func (t *Tracker) OnRestored(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// ObserveFetch records a fetch outcome. Client errors count as success:
// the origin answered.
func (t *Tracker) ObserveFetch(err error) {
	if err != nil && network.IsConnectivityError(err) {
		t.failure(err)
		return
	}
	t.success()
}

// SetOnline applies an external connectivity signal.
func (t *Tracker) SetOnline(online bool) {
	if online {
		t.success()
		return
	}
	t.mu.Lock()
	t.state.ConsecutiveFailures = t.threshold
	t.state.LastFailure = time.Now()
	changed := t.transition(false)
	t.mu.Unlock()
	if changed {
		t.publish()
	}
}

// Online reports the current state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Online
}

// Snapshot returns a copy of the local state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) success() {
	t.mu.Lock()
	t.state.ConsecutiveFailures = 0
	t.state.LastSuccess = time.Now()
	changed := t.transition(true)
	var listeners []func()
	if changed {
		listeners = append(listeners, t.listeners...)
	}
	t.mu.Unlock()

	if !changed {
		return
	}
	connectivityRestoredTotal.Inc()
	for _, fn := range listeners {
		go fn()
	}
	t.publish()
}

func (t *Tracker) failure(err error) {
	t.mu.Lock()
	t.state.ConsecutiveFailures++
	t.state.LastFailure = time.Now()
	failures := t.state.ConsecutiveFailures
	changed := false
	if failures >= t.threshold {
		changed = t.transition(false)
	}
	t.mu.Unlock()

	t.logger.Debug().
		Err(err).
		Int("consecutive_failures", failures).
		Msg("Connectivity failure observed")

	if changed {
		t.publish()
	}
}

// transition sets Online and reports whether it changed. Caller holds mu.
func (t *Tracker) transition(online bool) bool {
	if t.state.Online == online {
		return false
	}
	t.state.Online = online
	t.state.LastChange = time.Now()

	if online {
		connectivityOnline.Set(1)
		t.logger.Info().Msg("Origin reachable again - connectivity restored")
	} else {
		connectivityOnline.Set(0)
		t.logger.Warn().
			Int("consecutive_failures", t.state.ConsecutiveFailures).
			Msg("Origin unreachable - switching to offline mode")
	}
	return true
}

// publish stores the current state in Redis (best effort).
func (t *Tracker) publish() {
	if t.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.SaveState(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to publish connectivity state")
	}
}

// SaveState writes the local state to Redis.
func (t *Tracker) SaveState(ctx context.Context) error {
	if t.redis == nil {
		return fmt.Errorf("redis not configured")
	}
	state := t.Snapshot()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := t.redis.Set(ctx, RedisKeyState, data, 0).Err(); err != nil {
		return fmt.Errorf("store connectivity state in redis: %w", err)
	}
	return nil
}

// GetState returns the shared state from Redis, falling back to the local
// state when Redis is not configured or holds no data.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		s := t.Snapshot()
		return &s, nil
	}

	data, err := t.redis.Get(ctx, RedisKeyState).Bytes()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No connectivity state in Redis, returning local state")
		s := t.Snapshot()
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connectivity state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse connectivity state: %w", err)
	}
	return &state, nil
}
