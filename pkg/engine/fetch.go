package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// Fetch outcomes, also used as revalidation metric results.
const (
	outcomeUpdated     = "updated"
	outcomeNotModified = "not_modified"
	outcomePassthrough = "passthrough"
)

type fetchResult struct {
	entry   *store.Entry
	outcome string
}

// fetch requests req from the origin and stores a 2xx answer in part.
//
// The fetch is detached from the caller: if ctx ends first, fetch returns
// ctx.Err() while the request completes within the fetch timeout and still
// warms the store. Concurrent fetches of one key share a single origin
// request unless the caller sent its own conditional headers.
func (e *Engine) fetch(ctx context.Context, req *http.Request, part store.Partition, cached *store.Entry) (*fetchResult, error) {
	key := store.KeyFromRequest(req)
	out := req.Clone(context.WithoutCancel(ctx))

	shared := !hasConditionalHeaders(req)
	conditional := false
	if shared && store.CanRevalidate(cached) {
		store.AddConditionalHeaders(out, cached)
		conditional = true
	}

	// registered before fetch returns so Wait and Close cover the request
	// even when the caller leaves early
	if !e.begin() {
		return nil, ErrClosed
	}

	run := func() (any, error) {
		return e.doFetch(out, part, key, cached, conditional)
	}

	var flight <-chan singleflight.Result
	if shared {
		flight = e.flight.DoChan(flightKey(part, key), run)
	} else {
		c := make(chan singleflight.Result, 1)
		go func() {
			v, err := run()
			c <- singleflight.Result{Val: v, Err: err}
		}()
		flight = c
	}

	ch := make(chan singleflight.Result, 1)
	go func() {
		r := <-flight
		e.end()
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*fetchResult), nil
	case <-ctx.Done():
		e.logger.Debug().Str("key", key.String()).Msg("Caller gone, fetch continues in background")
		return nil, ctx.Err()
	}
}

func (e *Engine) doFetch(req *http.Request, part store.Partition, key store.Key, cached *store.Entry, conditional bool) (*fetchResult, error) {
	detached := req.Context()
	ctx, cancel := context.WithTimeout(detached, e.timeout)
	defer cancel()

	resp, err := e.observedFetch(ctx, req.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	if conditional && resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		entry := cached.Revalidated()
		e.save(detached, part, key, entry)
		e.logger.Debug().Str("key", key.String()).Msg("304 Not Modified - stored entry revalidated")
		return &fetchResult{entry: entry, outcome: outcomeNotModified}, nil
	}

	entry, err := store.ResponseToEntry(resp)
	if err != nil {
		return nil, &network.NetworkError{Class: network.ErrorClassNetwork, URL: key.URL, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		e.save(detached, part, key, entry)
		return &fetchResult{entry: entry, outcome: outcomeUpdated}, nil
	}
	return &fetchResult{entry: entry, outcome: outcomePassthrough}, nil
}

// revalidate refreshes cached in the background. Failures are logged and
// reported on BackgroundErrors, never to the caller.
func (e *Engine) revalidate(req *http.Request, part store.Partition, cached *store.Entry) {
	if part == nil || !e.begin() {
		revalidationsTotal.WithLabelValues("skipped").Inc()
		return
	}
	bg := req.Clone(context.WithoutCancel(req.Context()))

	go func() {
		defer e.end()

		res, err := e.fetch(bg.Context(), bg, part, cached)
		if err != nil {
			revalidationsTotal.WithLabelValues("failed").Inc()
			e.logger.Warn().
				Err(err).
				Str("url", bg.URL.String()).
				Str("error_class", string(network.ClassifyError(err))).
				Msg("Background revalidation failed")
			e.report(err)
			return
		}
		revalidationsTotal.WithLabelValues(res.outcome).Inc()
	}()
}

func hasConditionalHeaders(req *http.Request) bool {
	return req.Header.Get("If-None-Match") != "" || req.Header.Get("If-Modified-Since") != ""
}

func flightKey(part store.Partition, key store.Key) string {
	if part == nil {
		return key.String()
	}
	return part.Name() + " " + key.String()
}

func newBody(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}
