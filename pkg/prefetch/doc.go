// Package prefetch provides a bounded worker pool that fetches a list of
// URLs concurrently.
//
// It backs the install manifest (all-or-nothing), host CACHE_URLS
// messages and opportunistic api refreshes (best effort).
//
// Example usage:
//
//	bf := prefetch.NewBatchFetcher(prefetch.URLFetcherFunc(warm), prefetch.DefaultConfig())
//	results := bf.FetchAll(ctx, urls)
//	log.Info().Int("cached", prefetch.Succeeded(results)).Msg("Pre-warm done")
package prefetch
