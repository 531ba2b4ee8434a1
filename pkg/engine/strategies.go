package engine

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Sternrassler/offline-cache/pkg/classify"
	"github.com/Sternrassler/offline-cache/pkg/fallback"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// cacheFirst serves the stored entry, fetching and storing on a miss.
func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, a classify.Assignment) *http.Response {
	part := e.partition(ctx, a.Partition)
	if entry := e.lookup(ctx, part, store.KeyFromRequest(req)); entry != nil {
		return respond(entry, req, SourceStore)
	}

	res, err := e.fetch(ctx, req, part, nil)
	if err != nil {
		return e.fail(ctx, req, a, err)
	}
	return respond(res.entry, req, SourceNetwork)
}

// networkFirst fetches and stores; the stored entry answers when the network fails.
// An origin 4xx is an answer, not a failure: it is relayed and not stored.
func (e *Engine) networkFirst(ctx context.Context, req *http.Request, a classify.Assignment) *http.Response {
	part := e.partition(ctx, a.Partition)
	cached := e.lookup(ctx, part, store.KeyFromRequest(req))

	res, err := e.fetch(ctx, req, part, cached)
	if err == nil {
		return respond(res.entry, req, SourceNetwork)
	}
	if cached != nil {
		e.logger.Warn().
			Err(err).
			Str("url", req.URL.String()).
			Str("error_class", string(network.ClassifyError(err))).
			Msg("Network failed, serving stored entry")
		return respond(cached, req, SourceStore)
	}
	return e.fail(ctx, req, a, err)
}

// staleWhileRevalidate serves the stored entry without waiting and
// refreshes it in the background. A miss blocks on the network.
func (e *Engine) staleWhileRevalidate(ctx context.Context, req *http.Request, a classify.Assignment) *http.Response {
	part := e.partition(ctx, a.Partition)
	if cached := e.lookup(ctx, part, store.KeyFromRequest(req)); cached != nil {
		e.revalidate(req, part, cached)
		return respond(cached, req, SourceStore)
	}

	res, err := e.fetch(ctx, req, part, nil)
	if err != nil {
		return e.fail(ctx, req, a, err)
	}
	return respond(res.entry, req, SourceNetwork)
}

// cacheOnly never touches the network. A miss answers 504, as for
// "Cache-Control: only-if-cached".
func (e *Engine) cacheOnly(ctx context.Context, req *http.Request, a classify.Assignment) *http.Response {
	if entry := e.lookup(ctx, e.partition(ctx, a.Partition), store.KeyFromRequest(req)); entry != nil {
		return respond(entry, req, SourceStore)
	}
	return notCached(req)
}

// networkOnly never reads or writes the store.
func (e *Engine) networkOnly(ctx context.Context, req *http.Request, a classify.Assignment) *http.Response {
	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.observedFetch(fetchCtx, req.Clone(fetchCtx))
	if err != nil {
		return e.fail(ctx, req, a, err)
	}
	resp.Request = req
	resp.Header.Set(store.HeaderSource, SourceNetwork)
	return resp
}

// fail resolves a failed fetch into a fallback response.
func (e *Engine) fail(ctx context.Context, req *http.Request, a classify.Assignment, err error) *http.Response {
	category := fallback.CategoryOf(a)
	e.logger.Warn().
		Err(err).
		Str("url", req.URL.String()).
		Str("error_class", string(network.ClassifyError(err))).
		Str("category", string(category)).
		Msg("No stored entry and network failed, serving fallback")
	return e.fallback.Respond(ctx, req, category)
}

func notCached(req *http.Request) *http.Response {
	body := []byte("not cached\n")
	resp := &http.Response{
		Status:        "504 " + http.StatusText(http.StatusGatewayTimeout),
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          newBody(body),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Set(store.HeaderSource, SourceMiss)
	return resp
}
