// Package fallback produces the deterministic offline substitutes served
// when neither the store nor the network can answer a request.
package fallback

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/offline-cache/pkg/classify"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_fallbacks_total",
	Help: "Total fallback responses served by category",
}, []string{"category"})

// HeaderFallback carries the fallback category on generated responses.
const HeaderFallback = "X-Offline-Fallback"

// Category selects the fallback payload.
type Category string

const (
	CategoryNavigation Category = "navigation"
	CategoryAPI        Category = "api"
	CategoryImage      Category = "image"
	CategoryOther      Category = "other"
)

// OfflineMessage is the fixed message of the API envelope.
const OfflineMessage = "You are offline. Showing saved data where available."

var (
	offlineDocument = []byte(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not available without a connection. It will load again once you are back online.</p>
</main>
</body>
</html>
`)

	apiEnvelope = []byte(`{"error":"offline","message":"` + OfflineMessage + `","offline":true}`)

	placeholderImage = []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
		`<rect width="200" height="200" fill="#e5e7eb"/>` +
		`<path d="M60 140l30-40 20 25 15-20 25 35z" fill="#9ca3af"/>` +
		`<circle cx="130" cy="70" r="12" fill="#9ca3af"/>` +
		`</svg>`)

	unavailableBody = []byte("Service Unavailable: offline and no cached copy\n")
)

// RootDocumentFunc looks up the cached root document for req.
// It returns nil when none is stored.
type RootDocumentFunc func(ctx context.Context, req *http.Request) *store.Entry

// Generator builds fallback responses.
type Generator struct {
	root RootDocumentFunc
}

// New creates a generator. root may be nil, in which case navigation
// requests always receive the built-in offline document.
func New(root RootDocumentFunc) *Generator {
	return &Generator{root: root}
}

// CategoryOf maps a classification to a fallback category.
func CategoryOf(a classify.Assignment) Category {
	switch a.Resource {
	case classify.ResourceDocument:
		return CategoryNavigation
	case classify.ResourceAPI:
		return CategoryAPI
	case classify.ResourceImage:
		return CategoryImage
	default:
		return CategoryOther
	}
}

// Respond returns the fallback for req. It never fails.
func (g *Generator) Respond(ctx context.Context, req *http.Request, category Category) *http.Response {
	fallbacksTotal.WithLabelValues(string(category)).Inc()

	if category == CategoryNavigation && g.root != nil {
		if entry := g.root(ctx, req); entry != nil {
			resp := store.EntryToResponse(entry, req)
			resp.Header.Set(store.HeaderSource, "fallback")
			resp.Header.Set(HeaderFallback, string(category))
			return resp
		}
	}
	return Static(req, category)
}

// Static returns the fixed payload for category. Identical categories
// always produce byte-identical bodies.
func Static(req *http.Request, category Category) *http.Response {
	switch category {
	case CategoryNavigation:
		return build(req, category, http.StatusOK, "text/html; charset=utf-8", offlineDocument)
	case CategoryAPI:
		return build(req, category, http.StatusOK, "application/json", apiEnvelope)
	case CategoryImage:
		return build(req, category, http.StatusOK, "image/svg+xml", placeholderImage)
	default:
		return build(req, CategoryOther, http.StatusServiceUnavailable, "text/plain; charset=utf-8", unavailableBody)
	}
}

func build(req *http.Request, category Category, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")
	header.Set(store.HeaderSource, "fallback")
	header.Set(HeaderFallback, string(category))

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
