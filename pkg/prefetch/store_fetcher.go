package prefetch

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// StoreFetcher fetches URLs and writes successful (2xx) responses into a partition.
type StoreFetcher struct {
	Fetcher   network.Fetcher
	Partition store.Partition

	// Header is added to every request (optional)
	Header http.Header
}

// FetchURL implements URLFetcher. Anything other than a stored 2xx
// response is an error, including store write failures.
func (s *StoreFetcher) FetchURL(ctx context.Context, rawURL string) error {
	key, entry, err := fetchEntry(ctx, s.Fetcher, s.Header, rawURL)
	if err != nil {
		return err
	}
	return s.Partition.Put(ctx, key, entry)
}

// StagingFetcher fetches URLs into memory. Nothing reaches a partition
// until Commit, so a failed batch leaves the store untouched.
type StagingFetcher struct {
	Fetcher network.Fetcher

	// Header is added to every request (optional)
	Header http.Header

	mu      sync.Mutex
	entries map[store.Key]*store.Entry
}

// FetchURL implements URLFetcher.
func (s *StagingFetcher) FetchURL(ctx context.Context, rawURL string) error {
	key, entry, err := fetchEntry(ctx, s.Fetcher, s.Header, rawURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[store.Key]*store.Entry)
	}
	s.entries[key] = entry
	return nil
}

// Len returns the number of staged entries.
func (s *StagingFetcher) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Commit writes every staged entry to part. When a write fails, the
// entries already written by this commit are deleted again and the
// failing key is reported as a *FetchError.
func (s *StagingFetcher) Commit(ctx context.Context, part store.Partition) error {
	s.mu.Lock()
	keys := make([]store.Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	entries := s.entries
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for i, key := range keys {
		if err := part.Put(ctx, key, entries[key]); err != nil {
			for _, written := range keys[:i] {
				part.Delete(ctx, written)
			}
			return &FetchError{URL: key.URL, Err: err}
		}
	}
	return nil
}

func fetchEntry(ctx context.Context, f network.Fetcher, header http.Header, rawURL string) (store.Key, *store.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return store.Key{}, nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return store.Key{}, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		class := network.ClassifyStatus(resp.StatusCode)
		if class == "" {
			class = network.ErrorClassClient
		}
		return store.Key{}, nil, &network.NetworkError{
			Class:      class,
			StatusCode: resp.StatusCode,
			URL:        rawURL,
		}
	}

	entry, err := store.ResponseToEntry(resp)
	if err != nil {
		return store.Key{}, nil, err
	}
	return store.KeyFromRequest(req), entry, nil
}
