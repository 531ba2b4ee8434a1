package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per URL fetch
	Timeout time.Duration
}

// DefaultConfig returns safe default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// URLFetcher fetches a single URL and stores the result
type URLFetcher interface {
	FetchURL(ctx context.Context, rawURL string) error
}

// URLFetcherFunc adapts a function to URLFetcher
type URLFetcherFunc func(ctx context.Context, rawURL string) error

// FetchURL calls f(ctx, rawURL)
func (f URLFetcherFunc) FetchURL(ctx context.Context, rawURL string) error {
	return f(ctx, rawURL)
}

// Result represents the outcome of fetching a single URL
type Result struct {
	URL   string
	Error error
}

// FetchError reports the URL that failed a FetchAllOrFail batch.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Succeeded counts results without error
func Succeeded(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Error == nil {
			n++
		}
	}
	return n
}

// BatchFetcher handles parallel fetching of URL lists
type BatchFetcher struct {
	fetcher URLFetcher
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher URLFetcher, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAll fetches every URL and returns one result per URL in input order.
// Failures are logged and reported in the results, never returned as an error.
func (bf *BatchFetcher) FetchAll(ctx context.Context, urls []string) []Result {
	results, _ := bf.run(ctx, urls, false)
	return results
}

// FetchAllOrFail fetches every URL and fails on the first error.
// Remaining fetches are cancelled and the first failure is returned as
// a *FetchError.
func (bf *BatchFetcher) FetchAllOrFail(ctx context.Context, urls []string) error {
	results, failed := bf.run(ctx, urls, true)
	if failed >= 0 {
		return &FetchError{URL: results[failed].URL, Err: results[failed].Error}
	}
	for _, r := range results {
		if r.Error != nil {
			return &FetchError{URL: r.URL, Err: r.Error}
		}
	}
	return nil
}

// run returns the results and, with stopOnError, the index of the failure
// that stopped the batch (-1 if none).
func (bf *BatchFetcher) run(ctx context.Context, urls []string, stopOnError bool) ([]Result, int) {
	start := time.Now()
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results, -1
	}

	workers := bf.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	log.Debug().
		Int("urls", len(urls)).
		Int("workers", workers).
		Msg("Starting parallel fetch")

	queue := make(chan int, len(urls))
	for i := range urls {
		queue <- i
	}
	close(queue)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		firstErr = -1
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0

			for i := range queue {
				select {
				case <-ctx.Done():
					results[i] = Result{URL: urls[i], Error: ctx.Err()}
					continue
				default:
				}

				fetchCtx, fetchCancel := context.WithTimeout(ctx, bf.config.Timeout)
				err := bf.fetcher.FetchURL(fetchCtx, urls[i])
				fetchCancel()

				results[i] = Result{URL: urls[i], Error: err}
				if err != nil {
					log.Warn().
						Err(err).
						Int("worker_id", workerID).
						Str("url", urls[i]).
						Msg("URL fetch failed")
					if stopOnError {
						failOnce.Do(func() {
							firstErr = i
							cancel()
						})
					}
					continue
				}
				processed++
			}

			log.Debug().
				Int("worker_id", workerID).
				Int("urls_processed", processed).
				Msg("Worker completed")
		}(w)
	}
	wg.Wait()

	log.Info().
		Int("urls", len(urls)).
		Int("succeeded", Succeeded(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, firstErr
}
