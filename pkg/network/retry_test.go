package network

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	base := DefaultRetryConfig()

	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{
			name:            "server error uses base",
			errorClass:      ErrorClassServer,
			expectedInitial: 500 * time.Millisecond,
			expectedMax:     10 * time.Second,
		},
		{
			name:            "rate limit backs off harder",
			errorClass:      ErrorClassRateLimit,
			expectedInitial: 2 * time.Second,
			expectedMax:     30 * time.Second,
		},
		{
			name:            "timeout shortens initial backoff",
			errorClass:      ErrorClassTimeout,
			expectedInitial: 250 * time.Millisecond,
			expectedMax:     10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(base, tt.errorClass)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
		})
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return &NetworkError{Class: ErrorClassServer, StatusCode: 503}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		attempts++
		return &NetworkError{Class: ErrorClassNetwork, Err: errors.New("refused")}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("retryWithBackoff() error = %v, want ErrRetryExhausted", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if ClassifyError(err) != ErrorClassNetwork {
		t.Errorf("exhausted error should keep its class, got %q", ClassifyError(err))
	}
}

func TestRetryWithBackoff_ClientErrorNotRetried(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetryConfig(3), func() error {
		attempts++
		return &NetworkError{Class: ErrorClassClient, StatusCode: 404}
	})

	if err == nil {
		t.Fatal("retryWithBackoff() should return the client error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 1}

	attempts := 0
	err := retryWithBackoff(ctx, cfg, func() error {
		attempts++
		cancel()
		return &NetworkError{Class: ErrorClassServer, StatusCode: 500}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("retryWithBackoff() error = %v, want ErrContextCancelled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWithRetry(t *testing.T) {
	calls := 0
	inner := FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, &NetworkError{Class: ErrorClassTimeout, Err: context.DeadlineExceeded}
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	})

	f := WithRetry(inner, fastRetryConfig(3))
	req, _ := http.NewRequest("GET", "http://origin.test/app.js", nil)
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetry_ReplaysBody(t *testing.T) {
	var bodies []string
	inner := FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		buf := new(strings.Builder)
		if req.Body != nil {
			b := make([]byte, 64)
			n, _ := req.Body.Read(b)
			buf.Write(b[:n])
		}
		bodies = append(bodies, buf.String())
		if len(bodies) < 2 {
			return nil, &NetworkError{Class: ErrorClassServer, StatusCode: 502}
		}
		return &http.Response{StatusCode: 201, Body: http.NoBody}, nil
	})

	f := WithRetry(inner, fastRetryConfig(3))
	req, _ := http.NewRequest("POST", "http://origin.test/api/orders", strings.NewReader(`{"id":1}`))
	if _, err := f.Fetch(context.Background(), req); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(bodies) != 2 || bodies[0] != `{"id":1}` || bodies[1] != `{"id":1}` {
		t.Errorf("bodies = %q, want body replayed on each attempt", bodies)
	}
}
