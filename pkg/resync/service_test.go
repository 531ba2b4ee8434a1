package resync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/prefetch"
)

// fakeOrigin answers deliveries per endpoint and records every attempt.
type fakeOrigin struct {
	mu       sync.Mutex
	attempts []*http.Request
	bodies   []string
	status   map[string]int // endpoint path -> status; missing means 201
	offline  bool
	gate     chan struct{}
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{status: make(map[string]int)}
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if o.gate != nil {
		<-o.gate
	}

	body, _ := io.ReadAll(req.Body)

	o.mu.Lock()
	o.attempts = append(o.attempts, req)
	o.bodies = append(o.bodies, string(body))
	offline := o.offline
	status, ok := o.status[req.URL.Path]
	o.mu.Unlock()

	if offline {
		return nil, &network.NetworkError{Class: network.ErrorClassNetwork, URL: req.URL.String(), Err: errors.New("connection refused")}
	}
	if !ok {
		status = http.StatusCreated
	}
	if status >= 500 {
		return nil, &network.NetworkError{Class: network.ClassifyStatus(status), StatusCode: status, URL: req.URL.String()}
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}, nil
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
}

func (o *fakeOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	o.status[path] = status
	o.mu.Unlock()
}

func (o *fakeOrigin) attemptedPaths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.attempts))
	for i, r := range o.attempts {
		out[i] = r.URL.Path
	}
	return out
}

func (o *fakeOrigin) reset() {
	o.mu.Lock()
	o.attempts = nil
	o.bodies = nil
	o.mu.Unlock()
}

type fakeRefresher struct {
	limit   int
	results []prefetch.Result
}

func (r *fakeRefresher) RefreshRecent(ctx context.Context, limit int) []prefetch.Result {
	r.limit = limit
	return r.results
}

func newTestService(t *testing.T, origin *fakeOrigin, mutate func(*Config)) (*Service, *MemoryQueue) {
	t.Helper()
	q := NewMemoryQueue()
	cfg := DefaultConfig(q, origin)
	cfg.BaseURL = "http://origin.test"
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, q
}

func TestNew_Validation(t *testing.T) {
	q := NewMemoryQueue()
	f := newFakeOrigin()

	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "valid", mutate: func(c *Config) {}, expectError: false},
		{name: "missing queue", mutate: func(c *Config) { c.Queue = nil }, expectError: true},
		{name: "missing fetcher", mutate: func(c *Config) { c.Fetcher = nil }, expectError: true},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, expectError: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, expectError: true},
		{name: "bad base url", mutate: func(c *Config) { c.BaseURL = "://bad" }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(q, f)
			tt.mutate(&cfg)
			_, err := New(cfg)
			if (err != nil) != tt.expectError {
				t.Errorf("New() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestTrigger_FIFOWithFailureLeavesTail(t *testing.T) {
	origin := newFakeOrigin()
	s, q := newTestService(t, origin, nil)
	ctx := context.Background()

	enqueue(t, q, "/api/a")
	enqueue(t, q, "/api/b")
	c := enqueue(t, q, "/api/c")
	origin.setStatus("/api/c", http.StatusServiceUnavailable)

	result, err := s.Trigger(ctx)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if result.Delivered != 2 || result.Failed != 1 {
		t.Errorf("Trigger() = %+v, want 2 delivered and 1 failed", result)
	}

	if got := origin.attemptedPaths(); !equalIDs(got, "/api/a", "/api/b", "/api/c") {
		t.Errorf("attempts = %v, want [/api/a /api/b /api/c] exactly once each", got)
	}

	pending, _ := q.Pending(ctx)
	if got := ids(pending); !equalIDs(got, c.ID) {
		t.Errorf("Pending() = %v, want [C]", got)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("C.Attempts = %d, want 1", pending[0].Attempts)
	}

	// A and B are not attempted again
	origin.reset()
	origin.setStatus("/api/c", http.StatusCreated)
	if _, err := s.Trigger(ctx); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if got := origin.attemptedPaths(); !equalIDs(got, "/api/c") {
		t.Errorf("second trigger attempts = %v, want [/api/c]", got)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestTrigger_DeliveryRequest(t *testing.T) {
	origin := newFakeOrigin()
	s, q := newTestService(t, origin, nil)

	m := enqueue(t, q, "/api/orders")
	if _, err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if len(origin.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(origin.attempts))
	}
	req := origin.attempts[0]
	if req.URL.String() != "http://origin.test/api/orders" {
		t.Errorf("URL = %q, want resolved against base URL", req.URL.String())
	}
	if req.Method != "POST" {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	if got := req.Header.Get(HeaderIdempotencyKey); got != m.ID {
		t.Errorf("%s = %q, want %q", HeaderIdempotencyKey, got, m.ID)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if origin.bodies[0] != `{"n":1}` {
		t.Errorf("body = %q, want payload", origin.bodies[0])
	}
}

func TestTrigger_PermanentRejectionBuried(t *testing.T) {
	origin := newFakeOrigin()
	s, q := newTestService(t, origin, nil)
	ctx := context.Background()

	m := enqueue(t, q, "/api/orders")
	origin.setStatus("/api/orders", http.StatusUnprocessableEntity)

	result, err := s.Trigger(ctx)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if result.Buried != 1 {
		t.Errorf("Buried = %d, want 1", result.Buried)
	}
	dead, _ := q.Dead(ctx)
	if got := ids(dead); !equalIDs(got, m.ID) {
		t.Errorf("Dead() = %v, want [%s]", got, m.ID)
	}
	if !strings.Contains(dead[0].LastError, "422") {
		t.Errorf("LastError = %q, want status 422", dead[0].LastError)
	}
}

func TestTrigger_MaxAttemptsDeadLetters(t *testing.T) {
	origin := newFakeOrigin()
	origin.setOffline(true)
	s, q := newTestService(t, origin, func(c *Config) { c.MaxAttempts = 3 })
	ctx := context.Background()

	m := enqueue(t, q, "/api/orders")

	for i := 1; i <= 2; i++ {
		result, _ := s.Trigger(ctx)
		if result.Failed != 1 || result.Buried != 0 {
			t.Fatalf("trigger %d = %+v, want 1 failed", i, result)
		}
	}
	result, _ := s.Trigger(ctx)
	if result.Buried != 1 {
		t.Fatalf("trigger 3 = %+v, want 1 buried", result)
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}

	// manual intervention puts it back with its attempts reset
	origin.setOffline(false)
	if err := s.Requeue(ctx, m.ID); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	result, _ = s.Trigger(ctx)
	if result.Delivered != 1 {
		t.Errorf("trigger after requeue = %+v, want 1 delivered", result)
	}
}

func TestTrigger_RefreshesRecent(t *testing.T) {
	origin := newFakeOrigin()
	refresher := &fakeRefresher{results: []prefetch.Result{
		{URL: "/api/menu"},
		{URL: "/api/restaurants", Error: errors.New("offline")},
	}}
	s, _ := newTestService(t, origin, func(c *Config) {
		c.Refresher = refresher
		c.RefreshLimit = 7
	})

	result, err := s.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if refresher.limit != 7 {
		t.Errorf("RefreshRecent limit = %d, want 7", refresher.limit)
	}
	if result.Refreshed != 1 {
		t.Errorf("Refreshed = %d, want 1", result.Refreshed)
	}
}

func TestTrigger_ConcurrentTriggerSkipped(t *testing.T) {
	origin := newFakeOrigin()
	origin.gate = make(chan struct{})
	s, q := newTestService(t, origin, nil)
	enqueue(t, q, "/api/orders")

	done := make(chan TriggerResult)
	go func() {
		result, _ := s.Trigger(context.Background())
		done <- result
	}()

	// wait until the first trigger holds the guard
	deadline := time.Now().Add(2 * time.Second)
	for !s.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first trigger did not start")
		}
		time.Sleep(time.Millisecond)
	}

	second, err := s.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if !second.Skipped {
		t.Error("concurrent Trigger() should be skipped")
	}

	close(origin.gate)
	if first := <-done; first.Delivered != 1 {
		t.Errorf("first trigger = %+v, want 1 delivered", first)
	}
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("online relays response", func(t *testing.T) {
		origin := newFakeOrigin()
		s, q := newTestService(t, origin, nil)

		result, err := s.Deliver(ctx, "POST", "/api/orders", "application/json", []byte(`{}`))
		if err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if result.Queued {
			t.Error("Deliver() should not queue when online")
		}
		if result.StatusCode != http.StatusCreated || string(result.Body) != `{"ok":true}` {
			t.Errorf("Deliver() = %d %q, want 201 with origin body", result.StatusCode, result.Body)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Errorf("Len() = %d, want 0", n)
		}
	})

	t.Run("rejection relayed not queued", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.setStatus("/api/orders", http.StatusBadRequest)
		s, q := newTestService(t, origin, nil)

		result, err := s.Deliver(ctx, "POST", "/api/orders", "", nil)
		if err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if result.Queued || result.StatusCode != http.StatusBadRequest {
			t.Errorf("Deliver() = {Queued: %v, Status: %d}, want relayed 400", result.Queued, result.StatusCode)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Errorf("Len() = %d, want 0", n)
		}
	})

	t.Run("offline queues", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.setOffline(true)
		s, q := newTestService(t, origin, nil)

		result, err := s.Deliver(ctx, "PUT", "/api/orders/1", "application/json", []byte(`{"qty":2}`))
		if err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if !result.Queued {
			t.Fatal("Deliver() should queue when offline")
		}
		pending, _ := q.Pending(ctx)
		if len(pending) != 1 || pending[0].Method != "PUT" || string(pending[0].Payload) != `{"qty":2}` {
			t.Errorf("Pending() = %+v, want the PUT mutation", pending)
		}
	})

	t.Run("queues behind pending mutations", func(t *testing.T) {
		origin := newFakeOrigin()
		s, q := newTestService(t, origin, nil)
		first := enqueue(t, q, "/api/orders")

		result, err := s.Deliver(ctx, "POST", "/api/orders", "", nil)
		if err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if !result.Queued {
			t.Error("Deliver() should queue while older mutations are pending")
		}
		if len(origin.attemptedPaths()) != 0 {
			t.Error("Deliver() should not reach the origin ahead of the queue")
		}
		pending, _ := q.Pending(ctx)
		if got := ids(pending); !equalIDs(got, first.ID, result.Mutation.ID) {
			t.Errorf("Pending() = %v, want new mutation last", got)
		}
	})

	t.Run("endpoint allow list", func(t *testing.T) {
		origin := newFakeOrigin()
		s, _ := newTestService(t, origin, func(c *Config) {
			c.Endpoints = []string{"/api/orders", "/api/cart/"}
		})

		tests := []struct {
			endpoint string
			allowed  bool
		}{
			{"/api/orders", true},
			{"/api/cart/items", true},
			{"/api/admin", false},
		}
		for _, tt := range tests {
			_, err := s.Deliver(ctx, "POST", tt.endpoint, "", nil)
			if got := !errors.Is(err, ErrEndpointNotAllowed); got != tt.allowed {
				t.Errorf("Deliver(%s) error = %v, allowed %v", tt.endpoint, err, tt.allowed)
			}
		}
	})

	t.Run("read methods rejected", func(t *testing.T) {
		origin := newFakeOrigin()
		s, _ := newTestService(t, origin, nil)
		if _, err := s.Deliver(ctx, "GET", "/api/orders", "", nil); !errors.Is(err, ErrInvalidMethod) {
			t.Errorf("Deliver(GET) error = %v, want ErrInvalidMethod", err)
		}
	})
}

func TestDeliveryError(t *testing.T) {
	tests := []struct {
		name      string
		err       *DeliveryError
		permanent bool
	}{
		{name: "client rejection", err: &DeliveryError{MutationID: "m1", Endpoint: "/api/orders", Class: network.ErrorClassClient, StatusCode: 409}, permanent: true},
		{name: "server error", err: &DeliveryError{MutationID: "m1", Endpoint: "/api/orders", Class: network.ErrorClassServer, StatusCode: 503}, permanent: false},
		{name: "offline", err: &DeliveryError{MutationID: "m1", Endpoint: "/api/orders", Class: network.ErrorClassNetwork, Err: errors.New("refused")}, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Permanent(); got != tt.permanent {
				t.Errorf("Permanent() = %v, want %v", got, tt.permanent)
			}
			if !strings.Contains(tt.err.Error(), "m1") {
				t.Errorf("Error() = %q, want mutation id", tt.err.Error())
			}
		})
	}
}
