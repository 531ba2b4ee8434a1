// Package network provides the outbound fetch primitive used by the offline
// cache: a bounded-timeout HTTP fetch whose failures are classified into
// NetworkError values, plus retry with exponential backoff.
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_total",
		Help: "Total origin fetches by result",
	}, []string{"result"}) // "ok", "client", "server", "rate_limit", "timeout", "network"

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_fetch_duration_seconds",
		Help:    "Origin fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// Fetcher performs a single network request.
//
// A nil error means the origin produced an answer the caller may use:
// 1xx-3xx, or a 4xx client error (which is authoritative and passed
// through). Server errors, 429, timeouts and transport failures are
// returned as *NetworkError with a nil response.
//
// The returned response body is fully buffered, so it stays readable after
// the fetch timeout has elapsed.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Config holds the HTTP fetcher configuration.
type Config struct {
	// Timeout bounds every fetch including reading the body
	Timeout time.Duration

	// MaxBodyBytes caps buffered response bodies (0 = unlimited)
	MaxBodyBytes int64

	// UserAgent is set on outbound requests when non-empty
	UserAgent string

	// Transport overrides the HTTP transport (tests, custom TLS)
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxBodyBytes: 32 << 20,
		UserAgent:    "offline-cache/0.1.0",
	}
}

// HTTPFetcher fetches over net/http with a bounded timeout.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg Config) (*HTTPFetcher, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %v)", cfg.Timeout)
	}
	if cfg.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("max_body_bytes must be >= 0 (got %d)", cfg.MaxBodyBytes)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Transport: transport,
			// redirects are returned to the caller untouched
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
		logger: log.With().Str("component", "fetcher").Logger(),
	}, nil
}

// Fetch performs req with the configured timeout.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	out := req.Clone(ctx)
	out.RequestURI = ""
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if f.config.UserAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.httpClient.Do(out)
	if err != nil {
		class := ClassifyError(err)
		fetchTotal.WithLabelValues(string(class)).Inc()
		f.logger.Debug().Err(err).Str("url", url).Str("error_class", string(class)).Msg("Fetch failed")
		return nil, &NetworkError{Class: class, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if class := ClassifyStatus(resp.StatusCode); class != "" && class != ErrorClassClient {
		fetchTotal.WithLabelValues(string(class)).Inc()
		f.logger.Debug().Str("url", url).Int("status", resp.StatusCode).Str("error_class", string(class)).Msg("Fetch returned failure status")
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &NetworkError{Class: class, StatusCode: resp.StatusCode, URL: url}
	}

	var reader io.Reader = resp.Body
	if f.config.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.config.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		class := ClassifyError(err)
		fetchTotal.WithLabelValues(string(class)).Inc()
		return nil, &NetworkError{Class: class, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if f.config.MaxBodyBytes > 0 && int64(len(body)) > f.config.MaxBodyBytes {
		fetchTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &NetworkError{Class: ErrorClassNetwork, URL: url, Err: fmt.Errorf("body exceeds %d bytes", f.config.MaxBodyBytes)}
	}

	if class := ClassifyStatus(resp.StatusCode); class == ErrorClassClient {
		fetchTotal.WithLabelValues(string(class)).Inc()
	} else {
		fetchTotal.WithLabelValues("ok").Inc()
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Request = req
	return resp, nil
}
