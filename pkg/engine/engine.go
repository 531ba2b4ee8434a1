// Package engine is the strategy engine of the offline cache. It serves
// every classified request from the store, the network or the fallback
// generator according to the request's strategy, and never surfaces
// network or storage errors to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/offline-cache/pkg/classify"
	"github.com/Sternrassler/offline-cache/pkg/fallback"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/prefetch"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// Response sources reported in store.HeaderSource.
const (
	SourceStore    = "store"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceMiss     = "miss"
)

// ErrClosed is reported by detached work started after Close.
var ErrClosed = errors.New("engine closed")

// Observer is notified of every origin fetch outcome.
type Observer interface {
	ObserveFetch(err error)
}

// Config holds the engine configuration.
type Config struct {
	// Store holds the partitions (required)
	Store store.Store

	// Version qualifies partition names (required)
	Version store.VersionTag

	// Fetcher performs origin requests (required)
	Fetcher network.Fetcher

	// Classifier assigns partition and strategy (default: classify.DefaultConfig rules)
	Classifier *classify.Classifier

	// Fallback builds offline substitutes (default: root document from the static partition)
	Fallback *fallback.Generator

	// Bypass carries non-GET requests in RoundTrip (default: http.DefaultTransport)
	Bypass http.RoundTripper

	// FetchTimeout bounds every origin fetch made for a strategy
	FetchTimeout time.Duration

	// RecentCapacity is how many api keys are remembered for RefreshRecent
	RecentCapacity int

	// Refresh configures the RefreshRecent worker pool
	Refresh prefetch.Config

	// Observer receives fetch outcomes (optional)
	Observer Observer
}

// DefaultConfig returns a configuration with default rules and timeouts.
func DefaultConfig(s store.Store, f network.Fetcher) Config {
	return Config{
		Store:          s,
		Version:        "1",
		Fetcher:        f,
		Classifier:     classify.New(classify.DefaultConfig()),
		FetchTimeout:   10 * time.Second,
		RecentCapacity: 50,
		Refresh:        prefetch.Config{MaxConcurrency: 4},
	}
}

// Engine applies caching strategies to requests.
type Engine struct {
	store      store.Store
	version    store.VersionTag
	fetcher    network.Fetcher
	classifier *classify.Classifier
	fallback   *fallback.Generator
	bypass     http.RoundTripper
	timeout    time.Duration
	observer   Observer
	recent     *recentKeys
	refresh    prefetch.Config
	logger     zerolog.Logger

	flight singleflight.Group

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
	errs   chan error
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("version tag is required")
	}
	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be > 0 (got %v)", cfg.FetchTimeout)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New(classify.DefaultConfig())
	}
	if cfg.Bypass == nil {
		cfg.Bypass = http.DefaultTransport
	}
	if cfg.Refresh.Timeout <= 0 {
		cfg.Refresh.Timeout = cfg.FetchTimeout
	}

	e := &Engine{
		store:      cfg.Store,
		version:    cfg.Version,
		fetcher:    cfg.Fetcher,
		classifier: cfg.Classifier,
		fallback:   cfg.Fallback,
		bypass:     cfg.Bypass,
		timeout:    cfg.FetchTimeout,
		observer:   cfg.Observer,
		recent:     newRecentKeys(cfg.RecentCapacity),
		refresh:    cfg.Refresh,
		logger:     logging.NewLogger("engine"),
		errs:       make(chan error, 64),
	}
	if e.fallback == nil {
		e.fallback = fallback.New(e.rootDocument)
	}
	return e, nil
}

// Do serves req and always returns a response. Requests that do not
// classify for caching (non-GET) go over the bypass transport untouched:
// no fetch timeout, no store and no fallback. A transport failure there
// becomes a 502; use RoundTrip to receive the error instead.
func (e *Engine) Do(req *http.Request) *http.Response {
	ctx := req.Context()
	start := time.Now()

	a := e.classifier.Classify(req)
	if a.Bypass {
		resp, err := e.bypass.RoundTrip(req)
		if err != nil {
			e.logger.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("Bypass request failed")
			return transportFailed(req, err)
		}
		return resp
	}

	var resp *http.Response
	switch a.Strategy {
	case classify.CacheFirst:
		resp = e.cacheFirst(ctx, req, a)
	case classify.NetworkFirst:
		resp = e.networkFirst(ctx, req, a)
	case classify.StaleWhileRevalidate:
		resp = e.staleWhileRevalidate(ctx, req, a)
	case classify.CacheOnly:
		resp = e.cacheOnly(ctx, req, a)
	default:
		resp = e.networkOnly(ctx, req, a)
	}

	if a.Partition == store.KindAPI && a.Strategy != classify.NetworkOnly {
		e.recent.Touch(store.KeyFromRequest(req))
	}

	source := resp.Header.Get(store.HeaderSource)
	requestsTotal.WithLabelValues(string(a.Strategy), source).Inc()

	e.logger.Debug().
		Str("url", req.URL.String()).
		Str("partition", string(a.Partition)).
		Str("strategy", string(a.Strategy)).
		Str("source", source).
		Int("status_code", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request served")

	return resp
}

// Lookup returns the stored response for req without touching the network.
func (e *Engine) Lookup(ctx context.Context, req *http.Request) (*http.Response, bool) {
	a := e.classifier.Classify(req)
	if a.Bypass {
		return nil, false
	}
	entry := e.lookup(ctx, e.partition(ctx, a.Partition), store.KeyFromRequest(req))
	if entry == nil {
		return nil, false
	}
	return respond(entry, req, SourceStore), true
}

// RecentKeys returns up to n recently requested api keys, most recent first.
func (e *Engine) RecentKeys(n int) []store.Key {
	return e.recent.List(n)
}

// RefreshRecent re-fetches up to limit recently used api keys and
// overwrites their stored entries. Failures are logged, never fatal.
func (e *Engine) RefreshRecent(ctx context.Context, limit int) []prefetch.Result {
	keys := e.recent.List(limit)
	if len(keys) == 0 {
		return nil
	}
	part := e.partition(ctx, store.KindAPI)
	if part == nil {
		return nil
	}

	urls := make([]string, len(keys))
	for i, k := range keys {
		urls[i] = k.URL
	}

	bf := prefetch.NewBatchFetcher(&prefetch.StoreFetcher{
		Fetcher:   network.FetcherFunc(e.observedFetch),
		Partition: part,
	}, e.refresh)
	results := bf.FetchAll(ctx, urls)

	// the origin rejected these keys; stop refreshing them
	forgotten := 0
	for i, r := range results {
		if r.Error != nil && network.ClassifyError(r.Error) == network.ErrorClassClient {
			e.recent.Remove(keys[i])
			forgotten++
		}
	}

	e.logger.Info().
		Int("keys", len(urls)).
		Int("refreshed", prefetch.Succeeded(results)).
		Int("forgotten", forgotten).
		Msg("Refreshed recent api entries")

	return results
}

// BackgroundErrors reports failures of detached revalidations. Errors are
// dropped when nobody drains the channel. The channel is closed by Close.
func (e *Engine) BackgroundErrors() <-chan error {
	return e.errs
}

// Wait blocks until all detached fetches have finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// Close stops accepting detached work and waits for running tasks.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.tasks.Wait()
	close(e.errs)
	return nil
}

// begin registers a detached task. It returns false once closed.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.tasks.Add(1)
	backgroundTasks.Inc()
	return true
}

func (e *Engine) end() {
	backgroundTasks.Dec()
	e.tasks.Done()
}

func (e *Engine) report(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

func (e *Engine) observe(err error) {
	if e.observer != nil {
		e.observer.ObserveFetch(err)
	}
}

func (e *Engine) observedFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	e.observe(err)
	return resp, err
}

// partition opens the current generation's partition for kind.
// Errors are logged and reported as nil (treated as a miss).
func (e *Engine) partition(ctx context.Context, kind store.Kind) store.Partition {
	if kind == "" {
		return nil
	}
	part, err := e.store.Open(ctx, e.version.Name(kind))
	if err != nil {
		e.logger.Warn().Err(err).Str("partition", string(kind)).Msg("Store open failed")
		return nil
	}
	return part
}

func (e *Engine) lookup(ctx context.Context, part store.Partition, key store.Key) *store.Entry {
	if part == nil {
		return nil
	}
	entry, err := part.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Err(err).Str("key", key.String()).Msg("Store read failed, treating as miss")
		}
		return nil
	}
	e.logger.Debug().Str("partition", part.Name()).Str("key", key.String()).Msg("Store hit")
	return entry
}

func (e *Engine) save(ctx context.Context, part store.Partition, key store.Key, entry *store.Entry) {
	if part == nil {
		return
	}
	if err := part.Put(ctx, key, entry); err != nil {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Store write failed")
	}
}

// rootDocument looks up the cached app shell on req's origin.
func (e *Engine) rootDocument(ctx context.Context, req *http.Request) *store.Entry {
	part := e.partition(ctx, store.KindStatic)
	if part == nil || req.URL == nil {
		return nil
	}
	for _, p := range []string{"/", "/index.html"} {
		u := *req.URL
		u.Path, u.RawPath, u.RawQuery, u.Fragment = p, "", "", ""
		key, err := store.NewKey(http.MethodGet, u.String())
		if err != nil {
			return nil
		}
		if entry := e.lookup(ctx, part, key); entry != nil {
			return entry
		}
	}
	return nil
}

// respond builds a response from entry, labelled with source.
func respond(entry *store.Entry, req *http.Request, source string) *http.Response {
	resp := store.EntryToResponse(entry, req)
	resp.Header.Set(store.HeaderSource, source)
	if source == SourceStore {
		resp.Header.Set("Age", strconv.Itoa(int(entry.Age().Seconds())))
	}
	return resp
}
