package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/internal/testutil"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

var manifest = []string{"/", "/app.js", "/app.css", "/offline.html"}

func newTestOrigin(t *testing.T) *testutil.MockOrigin {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	origin.SetResponse("/", testutil.NewStaticResponse("text/html", "<html>shell</html>"))
	origin.SetResponse("/app.js", testutil.NewStaticResponse("application/javascript", "console.log(1)"))
	origin.SetResponse("/app.css", testutil.NewStaticResponse("text/css", "body{}"))
	origin.SetResponse("/offline.html", testutil.NewStaticResponse("text/html", "<html>offline</html>"))
	return origin
}

func newTestManager(t *testing.T, origin *testutil.MockOrigin, s store.Store, mutate ...func(*Config)) *Manager {
	t.Helper()
	f, err := network.NewHTTPFetcher(network.DefaultConfig())
	if err != nil {
		t.Fatalf("NewHTTPFetcher() error = %v", err)
	}

	cfg := DefaultConfig(s, f, manifest)
	cfg.BaseURL = origin.URL()
	cfg.Retry = network.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func partitionKeys(t *testing.T, s store.Store, name string) []string {
	t.Helper()
	part, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", name, err)
	}
	keys, err := part.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Path()
	}
	sort.Strings(out)
	return out
}

func TestNew_Validation(t *testing.T) {
	s := store.NewMemoryStore()
	f := network.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) { return nil, nil })

	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "valid", mutate: func(c *Config) {}, expectError: false},
		{name: "missing store", mutate: func(c *Config) { c.Store = nil }, expectError: true},
		{name: "missing fetcher", mutate: func(c *Config) { c.Fetcher = nil }, expectError: true},
		{name: "missing version", mutate: func(c *Config) { c.Version = "" }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(s, f, manifest)
			tt.mutate(&cfg)
			_, err := New(cfg)
			if (err != nil) != tt.expectError {
				t.Errorf("New() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestInstall(t *testing.T) {
	origin := newTestOrigin(t)
	s := store.NewMemoryStore()
	m := newTestManager(t, origin, s)

	if m.State() != StateUninitialized {
		t.Fatalf("State() = %s, want uninitialized", m.State())
	}
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if m.State() != StateInstalled {
		t.Errorf("State() = %s, want installed", m.State())
	}

	got := partitionKeys(t, s, "static-v1")
	want := []string{"/", "/app.css", "/app.js", "/offline.html"}
	if len(got) != len(want) {
		t.Fatalf("static-v1 keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("static-v1 keys = %v, want %v", got, want)
			break
		}
	}

	if err := m.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Install() error = %v, want ErrInvalidState", err)
	}
}

func TestInstall_MissingAssetFailsWholeStep(t *testing.T) {
	origin := newTestOrigin(t)
	s := store.NewMemoryStore()
	m := newTestManager(t, origin, s, func(c *Config) {
		c.Manifest = append(append([]string{}, manifest...), "/fonts/brand.woff2")
		c.Prefetch.MaxConcurrency = 1
	})

	err := m.Install(context.Background())
	var ierr *InstallError
	if !errors.As(err, &ierr) {
		t.Fatalf("Install() error = %v, want *InstallError", err)
	}
	if ierr.Asset != origin.URL()+"/fonts/brand.woff2" {
		t.Errorf("Asset = %q, want the missing font", ierr.Asset)
	}
	if m.State() != StateInstalling {
		t.Errorf("State() = %s, want installing", m.State())
	}
	// assets fetched before the failure must not be served
	if keys := partitionKeys(t, s, "static-v1"); len(keys) != 0 {
		t.Errorf("static-v1 keys after failed install = %v, want none", keys)
	}

	// host retries once the asset is available
	origin.SetResponse("/fonts/brand.woff2", testutil.NewStaticResponse("font/woff2", "wOF2"))
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("retried Install() error = %v", err)
	}
	if m.State() != StateInstalled {
		t.Errorf("State() = %s, want installed", m.State())
	}
	if keys := partitionKeys(t, s, "static-v1"); len(keys) != 5 {
		t.Errorf("static-v1 keys = %v, want all 5 assets", keys)
	}
}

func TestInstall_OfflineFails(t *testing.T) {
	origin := newTestOrigin(t)
	origin.SetOffline(true)
	m := newTestManager(t, origin, store.NewMemoryStore())

	err := m.Install(context.Background())
	var ierr *InstallError
	if !errors.As(err, &ierr) {
		t.Fatalf("Install() error = %v, want *InstallError", err)
	}
	if !network.IsConnectivityError(ierr.Err) {
		t.Errorf("InstallError cause = %v, want connectivity failure", ierr.Err)
	}
}

func TestActivate_PurgesOnlyStaleGenerations(t *testing.T) {
	origin := newTestOrigin(t)
	s := store.NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"static-v1", "dynamic-v1", "api-v1", "static-v0"} {
		if _, err := s.Open(ctx, name); err != nil {
			t.Fatalf("Open(%s) error = %v", name, err)
		}
	}

	m := newTestManager(t, origin, s)
	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := m.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if m.State() != StateActive {
		t.Errorf("State() = %s, want active", m.State())
	}

	names, _ := s.Partitions(ctx)
	sort.Strings(names)
	want := []string{"api-v1", "dynamic-v1", "static-v1"}
	if len(names) != len(want) {
		t.Fatalf("Partitions() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Partitions() = %v, want %v", names, want)
			break
		}
	}

	// installed assets survive activation
	if keys := partitionKeys(t, s, "static-v1"); len(keys) != len(manifest) {
		t.Errorf("static-v1 keys = %v, want %d entries", keys, len(manifest))
	}
}

func TestActivate_InvalidState(t *testing.T) {
	m := newTestManager(t, newTestOrigin(t), store.NewMemoryStore())
	if err := m.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Activate() before install error = %v, want ErrInvalidState", err)
	}
}

// failingDeleteStore fails DeletePartition for one name.
type failingDeleteStore struct {
	store.Store
	fail string
}

func (s *failingDeleteStore) DeletePartition(ctx context.Context, name string) error {
	if name == s.fail {
		return errors.New("disk full")
	}
	return s.Store.DeletePartition(ctx, name)
}

func TestActivate_DeletionFailureStaysInstalled(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.Open(ctx, "static-v0")
	s := &failingDeleteStore{Store: mem, fail: "static-v0"}

	m := newTestManager(t, newTestOrigin(t), s)
	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := m.Activate(ctx); err == nil {
		t.Fatal("Activate() error = nil, want deletion failure")
	}
	if m.State() != StateInstalled {
		t.Errorf("State() = %s, want installed", m.State())
	}
}

func TestActivate_ConcurrentCallsSerialized(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, name := range []string{"static-v0", "api-v0", "dynamic-v0"} {
		s.Open(ctx, name)
	}
	m := newTestManager(t, newTestOrigin(t), s)
	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Activate(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Activate() error = %v", err)
		}
	}
	if m.State() != StateActive {
		t.Errorf("State() = %s, want active", m.State())
	}
	names, _ := s.Partitions(ctx)
	for _, name := range names {
		if !m.Version().IsCurrent(name) {
			t.Errorf("stale partition %s survived activation", name)
		}
	}
}

func TestHandleMessage_SkipWaiting(t *testing.T) {
	ctx := context.Background()

	t.Run("before install defers activation", func(t *testing.T) {
		m := newTestManager(t, newTestOrigin(t), store.NewMemoryStore())

		result, err := m.HandleMessage(ctx, Message{Type: MessageSkipWaiting})
		if err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		if !result.Deferred || result.Activated {
			t.Errorf("HandleMessage() = %+v, want deferred", result)
		}
		if err := m.Install(ctx); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if m.State() != StateActive {
			t.Errorf("State() = %s, want active after install", m.State())
		}
	})

	t.Run("installed activates now", func(t *testing.T) {
		m := newTestManager(t, newTestOrigin(t), store.NewMemoryStore())
		if err := m.Install(ctx); err != nil {
			t.Fatalf("Install() error = %v", err)
		}

		result, err := m.HandleMessage(ctx, Message{Type: MessageSkipWaiting})
		if err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
		if !result.Activated {
			t.Errorf("HandleMessage() = %+v, want activated", result)
		}
		if m.State() != StateActive {
			t.Errorf("State() = %s, want active", m.State())
		}
	})
}

func TestHandleMessage_CacheURLs(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	origin.SetResponse("/menu", testutil.NewStaticResponse("text/html", "<html>menu</html>"))
	origin.SetResponse("/about", testutil.NewStaticResponse("text/html", "<html>about</html>"))
	s := store.NewMemoryStore()
	m := newTestManager(t, origin, s)

	result, err := m.HandleMessage(ctx, Message{Type: MessageCacheURLs, URLs: []string{"/menu", "/about", "/gone"}})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if result.Cached != 2 {
		t.Errorf("Cached = %d, want 2", result.Cached)
	}
	if len(result.Failed) != 1 || result.Failed[0] != origin.URL()+"/gone" {
		t.Errorf("Failed = %v, want [/gone]", result.Failed)
	}

	keys := partitionKeys(t, s, "dynamic-v1")
	if len(keys) != 2 || keys[0] != "/about" || keys[1] != "/menu" {
		t.Errorf("dynamic-v1 keys = %v, want [/about /menu]", keys)
	}
}

func TestHandleMessage_Unknown(t *testing.T) {
	m := newTestManager(t, newTestOrigin(t), store.NewMemoryStore())
	if _, err := m.HandleMessage(context.Background(), Message{Type: "CLAIM"}); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("HandleMessage() error = %v, want ErrUnknownMessage", err)
	}
}

func TestTerminate(t *testing.T) {
	m := newTestManager(t, newTestOrigin(t), store.NewMemoryStore())
	m.Terminate()

	if m.State() != StateTerminated {
		t.Errorf("State() = %s, want terminated", m.State())
	}
	if err := m.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Install() error = %v, want ErrInvalidState", err)
	}
	if _, err := m.HandleMessage(context.Background(), Message{Type: MessageCacheURLs, URLs: []string{"/menu"}}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CACHE_URLS error = %v, want ErrInvalidState", err)
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		want        Message
		expectError bool
	}{
		{name: "skip waiting", data: `{"type":"SKIP_WAITING"}`, want: Message{Type: MessageSkipWaiting}},
		{name: "cache urls", data: `{"type":"CACHE_URLS","urls":["/a","/b"]}`, want: Message{Type: MessageCacheURLs, URLs: []string{"/a", "/b"}}},
		{name: "missing type", data: `{"urls":["/a"]}`, expectError: true},
		{name: "invalid json", data: `{`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.expectError {
				t.Fatalf("ParseMessage() error = %v, expectError %v", err, tt.expectError)
			}
			if tt.expectError {
				return
			}
			if got.Type != tt.want.Type || len(got.URLs) != len(tt.want.URLs) {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInstallError(t *testing.T) {
	cause := errors.New("status 404")
	err := &InstallError{Asset: "/app.js", Err: cause}
	if err.Error() != "install asset /app.js: status 404" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("InstallError should unwrap to its cause")
	}
}
