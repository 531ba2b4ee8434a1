package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/prefetch"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// Config holds lifecycle configuration.
type Config struct {
	// Store holds the partitions (required)
	Store store.Store

	// Version qualifies partition names (required)
	Version store.VersionTag

	// Fetcher fetches manifest and CACHE_URLS assets (required)
	Fetcher network.Fetcher

	// Manifest lists the assets that install must store in the static partition
	Manifest []string

	// BaseURL resolves relative manifest and CACHE_URLS entries (optional)
	BaseURL string

	// Retry is applied to each install asset fetch
	Retry network.RetryConfig

	// Prefetch bounds the install and CACHE_URLS worker pool
	Prefetch prefetch.Config
}

// DefaultConfig returns a default configuration.
func DefaultConfig(s store.Store, f network.Fetcher, manifest []string) Config {
	return Config{
		Store:    s,
		Version:  "1",
		Fetcher:  f,
		Manifest: manifest,
		Retry:    network.DefaultRetryConfig(),
		Prefetch: prefetch.DefaultConfig(),
	}
}

// Manager is the lifecycle state machine:
//
//	uninitialized -> installing -> installed -> activating -> active -> terminated
//
// Install and Activate are serialized; State may be read at any time.
type Manager struct {
	store    store.Store
	version  store.VersionTag
	fetcher  network.Fetcher
	manifest []string
	baseURL  *url.URL
	retry    network.RetryConfig
	pool     prefetch.Config
	logger   zerolog.Logger

	// op serializes install and activate
	op sync.Mutex

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

// New creates a manager in the uninitialized state.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("version is required")
	}

	m := &Manager{
		store:   cfg.Store,
		version: cfg.Version,
		fetcher: cfg.Fetcher,
		retry:   cfg.Retry,
		pool:    cfg.Prefetch,
		logger:  logging.NewLogger("lifecycle"),
		state:   StateUninitialized,
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		m.baseURL = u
	}
	m.manifest = m.resolveAll(cfg.Manifest)
	lifecycleState.Set(StateUninitialized.ordinal())
	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version returns the version this manager installs.
func (m *Manager) Version() store.VersionTag {
	return m.version
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	lifecycleState.Set(s.ordinal())
	if prev != s {
		m.logger.Info().
			Str("from", string(prev)).
			Str("to", string(s)).
			Str("version", string(m.version)).
			Msg("Lifecycle transition")
	}
}

// Install fetches every manifest asset into the static partition. Any
// single failure fails the whole install with an *InstallError and leaves
// the manager in installing, so the host can call Install again.
//
// If SKIP_WAITING arrived before or during install, activation follows a
// successful install.
func (m *Manager) Install(ctx context.Context) error {
	m.op.Lock()
	err := m.install(ctx)
	activate := err == nil && m.takeSkipWaiting()
	if activate {
		err = m.activate(ctx)
	}
	m.op.Unlock()
	return err
}

func (m *Manager) install(ctx context.Context) error {
	switch s := m.State(); s {
	case StateUninitialized, StateInstalling:
	default:
		return stateError("install", s)
	}
	m.setState(StateInstalling)

	start := time.Now()
	defer func() { installDuration.Observe(time.Since(start).Seconds()) }()

	part, err := m.store.Open(ctx, m.version.Name(store.KindStatic))
	if err != nil {
		m.logger.Error().Err(err).Msg("Install failed: static partition unavailable")
		return fmt.Errorf("open static partition: %w", err)
	}

	// assets are staged in memory and written only once every one arrived
	staged := &prefetch.StagingFetcher{Fetcher: network.WithRetry(m.fetcher, m.retry)}
	err = prefetch.NewBatchFetcher(staged, m.pool).FetchAllOrFail(ctx, m.manifest)
	if err == nil {
		err = staged.Commit(ctx, part)
	}
	if err != nil {
		ierr := &InstallError{Err: err}
		var fe *prefetch.FetchError
		if errors.As(err, &fe) {
			ierr.Asset = fe.URL
			ierr.Err = fe.Err
		}
		m.logger.Error().
			Err(ierr.Err).
			Str("asset", ierr.Asset).
			Msg("Install failed")
		return ierr
	}

	m.setState(StateInstalled)
	m.logger.Info().
		Int("assets", len(m.manifest)).
		Dur("duration", time.Since(start)).
		Msg("Install complete")
	return nil
}

// Activate deletes every partition that is not part of the current
// version and then enters active. Stale partitions are deleted
// concurrently; activation completes only after all deletions finish.
// On failure the manager returns to installed.
//
// Activating an active manager is a no-op.
func (m *Manager) Activate(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.activate(ctx)
}

func (m *Manager) activate(ctx context.Context) error {
	switch s := m.State(); s {
	case StateInstalled:
	case StateActive:
		return nil
	default:
		return stateError("activate", s)
	}
	m.setState(StateActivating)

	deleted, err := m.purge(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Activation failed")
		m.setState(StateInstalled)
		return fmt.Errorf("activate: %w", err)
	}

	m.setState(StateActive)
	m.logger.Info().
		Strs("deleted", deleted).
		Msg("Activation complete")
	return nil
}

// purge deletes stale partitions and returns their names.
func (m *Manager) purge(ctx context.Context) ([]string, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var stale []string
	for _, name := range names {
		if !m.version.IsCurrent(name) {
			stale = append(stale, name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range stale {
		g.Go(func() error {
			if err := m.store.DeletePartition(gctx, name); err != nil {
				return fmt.Errorf("delete partition %s: %w", name, err)
			}
			partitionsDeletedTotal.Inc()
			m.logger.Debug().Str("partition", name).Msg("Deleted stale partition")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stale, nil
}

// HandleMessage processes a host message.
//
// SKIP_WAITING activates immediately when installed; before or during
// install it is remembered and activation follows install.
// CACHE_URLS stores the listed URLs in the dynamic partition on a best
// effort basis and reports how many were stored.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) (MessageResult, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		return m.skip(ctx)
	case MessageCacheURLs:
		return m.cacheURLs(ctx, msg.URLs)
	default:
		return MessageResult{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (m *Manager) skip(ctx context.Context) (MessageResult, error) {
	m.mu.Lock()
	state := m.state
	if state == StateUninitialized || state == StateInstalling {
		m.skipWaiting = true
	}
	m.mu.Unlock()

	switch state {
	case StateUninitialized, StateInstalling:
		m.logger.Debug().Msg("Skip waiting: activation deferred until install completes")
		return MessageResult{Deferred: true}, nil
	case StateInstalled, StateActivating:
		if err := m.Activate(ctx); err != nil {
			return MessageResult{}, err
		}
		return MessageResult{Activated: true}, nil
	case StateActive:
		return MessageResult{Activated: true}, nil
	default:
		return MessageResult{}, stateError("skip waiting", state)
	}
}

func (m *Manager) takeSkipWaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := m.skipWaiting
	m.skipWaiting = false
	return skip
}

func (m *Manager) cacheURLs(ctx context.Context, urls []string) (MessageResult, error) {
	if s := m.State(); s == StateTerminated {
		return MessageResult{}, stateError("cache urls", s)
	}
	if len(urls) == 0 {
		return MessageResult{}, nil
	}

	part, err := m.store.Open(ctx, m.version.Name(store.KindDynamic))
	if err != nil {
		return MessageResult{}, fmt.Errorf("open dynamic partition: %w", err)
	}

	fetcher := &prefetch.StoreFetcher{Fetcher: m.fetcher, Partition: part}
	results := prefetch.NewBatchFetcher(fetcher, m.pool).FetchAll(ctx, m.resolveAll(urls))

	result := MessageResult{Cached: prefetch.Succeeded(results)}
	for _, r := range results {
		if r.Error != nil {
			result.Failed = append(result.Failed, r.URL)
		}
	}
	m.logger.Info().
		Int("requested", len(urls)).
		Int("cached", result.Cached).
		Msg("Cached URLs")
	return result, nil
}

// Terminate ends the lifecycle; every later operation fails with ErrInvalidState.
func (m *Manager) Terminate() {
	m.op.Lock()
	defer m.op.Unlock()
	m.setState(StateTerminated)
}

func (m *Manager) resolveAll(raw []string) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = m.resolve(r)
	}
	return out
}

func (m *Manager) resolve(raw string) string {
	if m.baseURL == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return m.baseURL.ResolveReference(ref).String()
}
