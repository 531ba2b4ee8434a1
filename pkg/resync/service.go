package resync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/prefetch"
)

var (
	// ErrEndpointNotAllowed is returned by Deliver for endpoints outside Config.Endpoints.
	ErrEndpointNotAllowed = errors.New("mutation endpoint not allowed")

	// ErrInvalidMethod is returned by Deliver for GET and HEAD.
	ErrInvalidMethod = errors.New("mutation method must not be GET or HEAD")
)

// Refresher re-fetches recently used api entries.
type Refresher interface {
	RefreshRecent(ctx context.Context, limit int) []prefetch.Result
}

// Config holds resync service configuration.
type Config struct {
	// Queue stores pending mutations (required)
	Queue Queue

	// Fetcher delivers mutations to the origin (required)
	Fetcher network.Fetcher

	// BaseURL resolves relative mutation endpoints (optional)
	BaseURL string

	// Endpoints restricts Deliver to these paths; empty allows any.
	// An entry ending in "/" matches as a prefix.
	Endpoints []string

	// MaxAttempts is the number of failed triggers before a mutation is dead-lettered
	MaxAttempts int

	// Timeout bounds each delivery attempt
	Timeout time.Duration

	// Refresher refreshes recent api entries after the queue is drained (optional)
	Refresher Refresher

	// RefreshLimit caps the number of refreshed entries per trigger
	RefreshLimit int
}

// DefaultConfig returns a default configuration for q and f.
func DefaultConfig(q Queue, f network.Fetcher) Config {
	return Config{
		Queue:        q,
		Fetcher:      f,
		MaxAttempts:  5,
		Timeout:      10 * time.Second,
		RefreshLimit: 10,
	}
}

// TriggerResult summarizes one resync run.
type TriggerResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Buried    int `json:"buried"`
	Refreshed int `json:"refreshed"`

	// Skipped is true when another trigger was already running
	Skipped bool `json:"skipped,omitempty"`
}

// DeliveryResult is the outcome of Deliver.
type DeliveryResult struct {
	Mutation *PendingMutation

	// Queued is true when the mutation was stored for a later trigger
	Queued bool

	// StatusCode, Header and Body relay the origin response when not queued
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Service drains the mutation queue and refreshes recent api entries.
type Service struct {
	queue     Queue
	fetcher   network.Fetcher
	baseURL   *url.URL
	exact     map[string]bool
	prefixes  []string
	attempts  int
	timeout   time.Duration
	refresher Refresher
	limit     int
	logger    zerolog.Logger

	running atomic.Bool
}

// New creates a resync service.
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}

	s := &Service{
		queue:     cfg.Queue,
		fetcher:   cfg.Fetcher,
		exact:     make(map[string]bool),
		attempts:  cfg.MaxAttempts,
		timeout:   cfg.Timeout,
		refresher: cfg.Refresher,
		limit:     cfg.RefreshLimit,
		logger:    logging.NewLogger("resync"),
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		s.baseURL = u
	}
	for _, ep := range cfg.Endpoints {
		if strings.HasSuffix(ep, "/") {
			s.prefixes = append(s.prefixes, ep)
		} else {
			s.exact[ep] = true
		}
	}
	return s, nil
}

// Allowed reports whether endpoint may receive mutations.
func (s *Service) Allowed(endpoint string) bool {
	if len(s.exact) == 0 && len(s.prefixes) == 0 {
		return true
	}
	p := endpoint
	if u, err := url.Parse(endpoint); err == nil {
		p = u.Path
	}
	if s.exact[p] {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Deliver sends a mutation to the origin. When the origin is unreachable,
// or earlier mutations are still queued, the mutation is queued instead
// and Queued is set. Origin rejections (4xx) are relayed, not queued.
func (s *Service) Deliver(ctx context.Context, method, endpoint, contentType string, payload []byte) (*DeliveryResult, error) {
	if method == http.MethodGet || method == http.MethodHead {
		return nil, ErrInvalidMethod
	}
	if !s.Allowed(endpoint) {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotAllowed, endpoint)
	}

	m := NewPendingMutation(method, endpoint, contentType, payload)

	n, err := s.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue length: %w", err)
	}
	if n > 0 {
		// keep FIFO order behind mutations that are still waiting
		return s.enqueue(ctx, m)
	}

	resp, err := s.send(ctx, m)
	if err != nil {
		if network.IsConnectivityError(err) {
			s.logger.Info().
				Err(err).
				Str("mutation_id", m.ID).
				Str("endpoint", m.Endpoint).
				Msg("Origin unreachable, queueing mutation")
			return s.enqueue(ctx, m)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read delivery response: %w", err)
	}
	if resp.StatusCode >= 400 {
		deliveriesTotal.WithLabelValues("rejected").Inc()
	} else {
		deliveriesTotal.WithLabelValues("delivered").Inc()
	}
	return &DeliveryResult{
		Mutation:   m,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, m *PendingMutation) (*DeliveryResult, error) {
	if err := s.queue.Enqueue(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueue mutation: %w", err)
	}
	deliveriesTotal.WithLabelValues("queued").Inc()
	s.updateDepth(ctx)
	return &DeliveryResult{Mutation: m, Queued: true}, nil
}

// Enqueue stores a mutation for the next trigger without attempting it.
func (s *Service) Enqueue(ctx context.Context, m *PendingMutation) error {
	_, err := s.enqueue(ctx, m)
	return err
}

// Trigger drains the queue once in FIFO order and then refreshes recent
// api entries. Each pending mutation is attempted at most once per
// trigger; failures stay queued for the next trigger. A trigger that
// arrives while another is running is skipped.
func (s *Service) Trigger(ctx context.Context) (TriggerResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		triggersTotal.WithLabelValues("skipped").Inc()
		return TriggerResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	var result TriggerResult

	pending, err := s.queue.Pending(ctx)
	if err != nil {
		triggersTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("read pending mutations: %w", err)
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := s.process(ctx, m, &result); err != nil {
			triggersTotal.WithLabelValues("error").Inc()
			return result, err
		}
	}

	if s.refresher != nil && s.limit > 0 && ctx.Err() == nil {
		results := s.refresher.RefreshRecent(ctx, s.limit)
		result.Refreshed = prefetch.Succeeded(results)
		for _, r := range results {
			if r.Error != nil {
				s.logger.Warn().Err(r.Error).Str("url", r.URL).Msg("Refresh of recent entry failed")
			}
		}
	}

	s.updateDepth(ctx)
	triggersTotal.WithLabelValues("completed").Inc()

	s.logger.Info().
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Int("buried", result.Buried).
		Int("refreshed", result.Refreshed).
		Msg("Resync completed")

	return result, ctx.Err()
}

// process attempts one mutation. Only queue errors are returned.
func (s *Service) process(ctx context.Context, m *PendingMutation, result *TriggerResult) error {
	resp, err := s.send(ctx, m)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			if err := s.queue.Ack(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("ack mutation %s: %w", m.ID, err)
			}
			deliveriesTotal.WithLabelValues("delivered").Inc()
			result.Delivered++
			return nil
		}
		err = &network.NetworkError{
			Class:      network.ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			URL:        m.Endpoint,
		}
	}

	derr := &DeliveryError{
		MutationID: m.ID,
		Endpoint:   m.Endpoint,
		Class:      network.ClassifyError(err),
		Err:        err,
	}
	var ne *network.NetworkError
	if errors.As(err, &ne) {
		derr.StatusCode = ne.StatusCode
	}

	if derr.Permanent() {
		return s.bury(ctx, m.ID, derr, result)
	}

	updated, qerr := s.queue.Nack(ctx, m.ID, derr.Error())
	if errors.Is(qerr, ErrNotFound) {
		return nil
	}
	if qerr != nil {
		return fmt.Errorf("nack mutation %s: %w", m.ID, qerr)
	}
	if updated.Attempts >= s.attempts {
		return s.bury(ctx, m.ID, derr, result)
	}

	deliveriesTotal.WithLabelValues("failed").Inc()
	result.Failed++
	s.logger.Warn().
		Err(derr).
		Str("mutation_id", m.ID).
		Int("attempts", updated.Attempts).
		Msg("Mutation delivery failed, keeping it queued")
	return nil
}

func (s *Service) bury(ctx context.Context, id string, derr *DeliveryError, result *TriggerResult) error {
	if err := s.queue.Bury(ctx, id, derr.Error()); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("bury mutation %s: %w", id, err)
	}
	deliveriesTotal.WithLabelValues("buried").Inc()
	result.Buried++
	s.logger.Error().
		Err(derr).
		Str("mutation_id", id).
		Bool("permanent", derr.Permanent()).
		Msg("Mutation moved to dead-letter list")
	return nil
}

// send issues one delivery attempt.
func (s *Service) send(ctx context.Context, m *PendingMutation) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, m.Method, s.resolve(m.Endpoint), bytes.NewReader(m.Payload))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}
	if m.ContentType != "" {
		req.Header.Set("Content-Type", m.ContentType)
	}
	req.Header.Set(HeaderIdempotencyKey, m.ID)

	return s.fetcher.Fetch(ctx, req)
}

func (s *Service) resolve(endpoint string) string {
	if s.baseURL == nil {
		return endpoint
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return s.baseURL.ResolveReference(ref).String()
}

func (s *Service) updateDepth(ctx context.Context) {
	if n, err := s.queue.Len(ctx); err == nil {
		queueDepth.Set(float64(n))
	}
}

// Pending returns the queued mutations, oldest first.
func (s *Service) Pending(ctx context.Context) ([]*PendingMutation, error) {
	return s.queue.Pending(ctx)
}

// Dead returns the dead-letter list.
func (s *Service) Dead(ctx context.Context) ([]*PendingMutation, error) {
	return s.queue.Dead(ctx)
}

// Requeue moves a dead mutation back to the pending list.
func (s *Service) Requeue(ctx context.Context, id string) error {
	if err := s.queue.Requeue(ctx, id); err != nil {
		return err
	}
	s.updateDepth(ctx)
	return nil
}

// Run triggers a resync every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Trigger(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Periodic resync failed")
			}
		}
	}
}
