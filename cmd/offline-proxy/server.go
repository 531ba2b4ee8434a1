package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-cache/pkg/engine"
	"github.com/Sternrassler/offline-cache/pkg/lifecycle"
	"github.com/Sternrassler/offline-cache/pkg/metrics"
	"github.com/Sternrassler/offline-cache/pkg/push"
	"github.com/Sternrassler/offline-cache/pkg/resync"
)

// HeaderQueued carries the mutation id of a request that was queued for resync.
const HeaderQueued = "X-Offline-Queued"

// maxControlBody bounds bodies of the /_offline control endpoints.
const maxControlBody = 1 << 20

// server wires the offline components to HTTP.
type server struct {
	origin    *url.URL
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	resync    *resync.Service
	tracker   *connectivity.Tracker
	redis     *redis.Client // optional
	logger    zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/_offline", func(r chi.Router) {
		r.Get("/status", s.statusHandler)
		r.Post("/install", s.installHandler)
		r.Post("/activate", s.activateHandler)
		r.Post("/message", s.messageHandler)
		r.Post("/resync", s.resyncHandler)
		r.Post("/push", s.pushHandler)
		r.Get("/mutations", s.mutationsHandler)
		r.Post("/mutations", s.deliverHandler)
		r.Post("/mutations/{id}/requeue", s.requeueHandler)
	})

	r.HandleFunc("/*", s.proxyHandler)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready once the cache generation is active and the
// optional Redis backend answers.
func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	if state := s.lifecycle.State(); state != lifecycle.StateActive {
		http.Error(w, "lifecycle "+string(state), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := s.resync.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	// shared state when Redis is configured, so every replica reports alike
	conn, err := s.tracker.GetState(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Shared connectivity state unavailable, reporting local state")
		local := s.tracker.Snapshot()
		conn = &local
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":             s.lifecycle.Version(),
		"lifecycle":           s.lifecycle.State(),
		"connectivity":        conn,
		"offline_for_seconds": int(conn.OfflineFor().Seconds()),
		"connectivity_stale":  conn.IsStale(connectivity.StaleAfter),
		"pending":             len(pending),
	})
}

func (s *server) installHandler(w http.ResponseWriter, r *http.Request) {
	err := s.lifecycle.Install(r.Context())
	var ierr *lifecycle.InstallError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"state": s.lifecycle.State()})
	case errors.As(err, &ierr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": ierr.Error(),
			"asset": ierr.Asset,
			"state": s.lifecycle.State(),
		})
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *server) activateHandler(w http.ResponseWriter, r *http.Request) {
	err := s.lifecycle.Activate(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"state": s.lifecycle.State()})
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *server) messageHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := lifecycle.ParseMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.lifecycle.HandleMessage(r.Context(), msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *server) resyncHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.resync.Trigger(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) pushHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := push.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := n.ClickTarget(s.origin.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Info().
		Str("title", n.Title).
		Str("tag", n.Tag).
		Msg("Push notification received")

	writeJSON(w, http.StatusOK, map[string]any{
		"notification": n,
		"click_target": target,
	})
}

func (s *server) mutationsHandler(w http.ResponseWriter, r *http.Request) {
	pending, err := s.resync.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	dead, err := s.resync.Dead(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": nonNil(pending),
		"dead":    nonNil(dead),
	})
}

// deliverHandler accepts {"method","endpoint","content_type","payload"}.
func (s *server) deliverHandler(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Method      string          `json:"method"`
		Endpoint    string          `json:"endpoint"`
		ContentType string          `json:"content_type"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode mutation: %w", err))
		return
	}
	if in.Endpoint == "" {
		writeError(w, http.StatusBadRequest, errors.New("endpoint is required"))
		return
	}
	if in.ContentType == "" && len(in.Payload) > 0 {
		in.ContentType = "application/json"
	}
	s.deliver(r.Context(), w, in.Method, in.Endpoint, in.ContentType, in.Payload)
}

func (s *server) requeueHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.resync.Requeue(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"requeued": id})
	case errors.Is(err, resync.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// proxyHandler serves every other path from the origin through the engine.
// Reads never fail; writes to mutation endpoints are queued while offline.
func (s *server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	target := s.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})

	if r.Method != http.MethodGet && r.Method != http.MethodHead && s.resync.Allowed(r.URL.Path) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.deliver(r.Context(), w, r.Method, target.String(), r.Header.Get("Content-Type"), payload)
		return
	}

	if r.Method == http.MethodHead && !s.tracker.Online() && s.headFromStore(w, r, target) {
		return
	}

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	resp, err := s.engine.RoundTrip(out)
	if err != nil {
		s.logger.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Bypass request failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Failed to write response")
	}
}

// headFromStore answers a HEAD request with the headers of the stored GET
// response while the origin is offline. It reports false on a miss.
func (s *server) headFromStore(w http.ResponseWriter, r *http.Request, target *url.URL) bool {
	get, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return false
	}
	resp, ok := s.engine.Lookup(r.Context(), get)
	if !ok {
		return false
	}
	resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	return true
}

func (s *server) deliver(ctx context.Context, w http.ResponseWriter, method, endpoint, contentType string, payload []byte) {
	result, err := s.resync.Deliver(ctx, method, endpoint, contentType, payload)
	switch {
	case errors.Is(err, resync.ErrEndpointNotAllowed):
		writeError(w, http.StatusForbidden, err)
		return
	case errors.Is(err, resync.ErrInvalidMethod):
		writeError(w, http.StatusMethodNotAllowed, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}

	if result.Queued {
		w.Header().Set(HeaderQueued, result.Mutation.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued": true,
			"id":     result.Mutation.ID,
		})
		return
	}

	copyHeader(w.Header(), result.Header)
	removeHopHeaders(w.Header())
	w.Header().Del("Content-Length")
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func nonNil(list []*resync.PendingMutation) []*resync.PendingMutation {
	if list == nil {
		return []*resync.PendingMutation{}
	}
	return list
}
