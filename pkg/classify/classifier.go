// Package classify maps outbound requests to a store partition and a
// caching strategy. Classification is a pure function of the request.
package classify

import (
	"net/http"
	"path"
	"strings"

	"github.com/Sternrassler/offline-cache/pkg/store"
)

// Strategy names a read/write protocol between a request, the store and the network.
type Strategy string

const (
	// CacheFirst serves the stored entry, fetching and storing only on a miss.
	CacheFirst Strategy = "cache-first"

	// NetworkFirst fetches, stores and serves; the stored entry is the failure path.
	NetworkFirst Strategy = "network-first"

	// StaleWhileRevalidate serves the stored entry immediately and refreshes it in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"

	// NetworkOnly always fetches and never touches the store.
	NetworkOnly Strategy = "network-only"

	// CacheOnly serves the stored entry or reports a miss; never fetches.
	CacheOnly Strategy = "cache-only"
)

// Resource describes what kind of resource a request targets.
type Resource string

const (
	ResourceStatic   Resource = "static"
	ResourceAPI      Resource = "api"
	ResourceImage    Resource = "image"
	ResourceDocument Resource = "document"
	ResourceOther    Resource = "other"
)

// Assignment is the derived {partition, strategy} pair for one request.
type Assignment struct {
	// Partition is the logical partition; empty when the request bypasses the store
	Partition store.Kind

	// Strategy is the protocol to apply
	Strategy Strategy

	// Resource is the matched resource kind
	Resource Resource

	// Bypass is true for non-GET requests, which go to the network untouched
	Bypass bool
}

// Config holds the classification rules.
type Config struct {
	// APIPrefix marks API paths (e.g. "/api/")
	APIPrefix string

	// APIEndpoints are additional API paths; an entry ending in "/" matches as a prefix
	APIEndpoints []string

	// StaticExtensions are file extensions of static assets (lower case, with dot)
	StaticExtensions []string

	// StaticPages are known static HTML entry points matched by exact path
	StaticPages []string

	// ImageExtensions are file extensions of images (lower case, with dot)
	ImageExtensions []string
}

// DefaultConfig returns the default rule set.
func DefaultConfig() Config {
	return Config{
		APIPrefix:        "/api/",
		StaticExtensions: []string{".css", ".js", ".mjs", ".woff", ".woff2", ".ttf", ".otf", ".eot", ".ico", ".webmanifest"},
		StaticPages:      []string{"/", "/index.html", "/offline.html", "/manifest.json"},
		ImageExtensions:  []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif", ".bmp"},
	}
}

// Classifier applies Config rules to requests.
type Classifier struct {
	apiPrefix   string
	apiExact    map[string]bool
	apiPrefixes []string
	staticExt   map[string]bool
	staticPages map[string]bool
	imageExt    map[string]bool
}

// New creates a classifier from cfg.
func New(cfg Config) *Classifier {
	c := &Classifier{
		apiPrefix:   cfg.APIPrefix,
		apiExact:    make(map[string]bool),
		staticExt:   toSet(cfg.StaticExtensions),
		staticPages: make(map[string]bool),
		imageExt:    toSet(cfg.ImageExtensions),
	}
	for _, ep := range cfg.APIEndpoints {
		if strings.HasSuffix(ep, "/") {
			c.apiPrefixes = append(c.apiPrefixes, ep)
		} else {
			c.apiExact[ep] = true
		}
	}
	for _, p := range cfg.StaticPages {
		c.staticPages[p] = true
	}
	return c
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToLower(it)] = true
	}
	return set
}

// Classify returns the assignment for req. It is total and side-effect free.
//
// Rules, first match wins:
//  1. static asset extension or known static page -> static, cache-first
//  2. API prefix or listed API endpoint           -> api, stale-while-revalidate
//  3. image extension                             -> static, cache-first
//  4. anything else                               -> dynamic, network-first
//
// Non-GET requests bypass with network-only. Request directives override the
// strategy (not the partition): "Cache-Control: no-store" selects
// network-only and "Cache-Control: only-if-cached" selects cache-only.
func (c *Classifier) Classify(req *http.Request) Assignment {
	if req.Method != "" && req.Method != http.MethodGet {
		return Assignment{Strategy: NetworkOnly, Resource: ResourceOther, Bypass: true}
	}

	a := c.classifyPath(req.URL.Path)
	if IsNavigation(req) && a.Resource == ResourceOther {
		a.Resource = ResourceDocument
	}

	switch directive := strings.ToLower(req.Header.Get("Cache-Control")); {
	case strings.Contains(directive, "no-store"):
		a.Strategy = NetworkOnly
	case strings.Contains(directive, "only-if-cached"):
		a.Strategy = CacheOnly
	}
	return a
}

func (c *Classifier) classifyPath(p string) Assignment {
	if p == "" {
		p = "/"
	}
	ext := strings.ToLower(path.Ext(p))

	if c.staticExt[ext] || c.staticPages[p] {
		res := ResourceStatic
		if c.staticPages[p] && (ext == "" || ext == ".html") {
			res = ResourceDocument
		}
		return Assignment{Partition: store.KindStatic, Strategy: CacheFirst, Resource: res}
	}

	if c.IsAPI(p) {
		return Assignment{Partition: store.KindAPI, Strategy: StaleWhileRevalidate, Resource: ResourceAPI}
	}

	if c.imageExt[ext] {
		return Assignment{Partition: store.KindStatic, Strategy: CacheFirst, Resource: ResourceImage}
	}

	return Assignment{Partition: store.KindDynamic, Strategy: NetworkFirst, Resource: ResourceOther}
}

// IsAPI reports whether a path matches the API prefix or endpoint list.
func (c *Classifier) IsAPI(p string) bool {
	if c.apiPrefix != "" && strings.HasPrefix(p, c.apiPrefix) {
		return true
	}
	if c.apiExact[p] {
		return true
	}
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether req loads a full page.
func IsNavigation(req *http.Request) bool {
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if !strings.Contains(req.Header.Get("Accept"), "text/html") {
		return false
	}
	ext := path.Ext(req.URL.Path)
	return ext == "" || ext == ".html" || ext == ".htm"
}
