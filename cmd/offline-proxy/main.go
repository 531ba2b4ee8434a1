// Command offline-proxy is a local forward cache in front of one origin.
// Reads keep working while the origin is unreachable; writes to mutation
// endpoints are queued and replayed once it is back.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/offline-cache/internal/config"
	"github.com/Sternrassler/offline-cache/pkg/classify"
	"github.com/Sternrassler/offline-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-cache/pkg/engine"
	"github.com/Sternrassler/offline-cache/pkg/lifecycle"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/resync"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Offline proxy failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	_, logFile, err := logging.SetupWithFile(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logFile.Close()

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Store == config.StoreRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisURL, err)
		}
		log.Info().Str("addr", cfg.RedisURL).Msg("Connected to Redis")
	}

	a, err := newApp(cfg, manifest, redisClient)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("origin", cfg.OriginURL).
			Str("store", cfg.Store).
			Str("version", cfg.Version).
			Msg("Starting offline proxy")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// app owns the wired components of the proxy.
type app struct {
	server    *server
	store     store.Store
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	resync    *resync.Service
	tracker   *connectivity.Tracker
	interval  time.Duration
}

func newApp(cfg config.Config, manifest config.Manifest, redisClient *redis.Client) (*app, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	st, err := openStore(cfg, redisClient)
	if err != nil {
		return nil, err
	}

	netCfg := network.DefaultConfig()
	netCfg.Timeout = cfg.FetchTimeout
	netCfg.UserAgent = cfg.UserAgent
	fetcher, err := network.NewHTTPFetcher(netCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	tracker := connectivity.NewTracker(redisClient, logging.NewLogger("connectivity"), connectivity.DefaultFailureThreshold)
	version := store.VersionTag(cfg.Version)

	rules := classify.DefaultConfig()
	rules.APIPrefix = cfg.APIPrefix
	rules.APIEndpoints = manifest.APIEndpoints
	rules.StaticPages = append(rules.StaticPages, manifest.StaticPages...)

	engCfg := engine.DefaultConfig(st, fetcher)
	engCfg.Version = version
	engCfg.Classifier = classify.New(rules)
	engCfg.FetchTimeout = cfg.FetchTimeout
	engCfg.Observer = tracker
	eng, err := engine.New(engCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	lcCfg := lifecycle.DefaultConfig(st, fetcher, manifest.Precache)
	lcCfg.Version = version
	lcCfg.BaseURL = origin.String()
	manager, err := lifecycle.New(lcCfg)
	if err != nil {
		eng.Close()
		st.Close()
		return nil, fmt.Errorf("create lifecycle manager: %w", err)
	}

	var queue resync.Queue = resync.NewMemoryQueue()
	if redisClient != nil {
		queue = resync.NewRedisQueue(redisClient, "")
	}
	rsCfg := resync.DefaultConfig(queue, observedFetcher(fetcher, tracker))
	rsCfg.BaseURL = origin.String()
	rsCfg.Endpoints = manifest.MutationEndpoints
	rsCfg.MaxAttempts = cfg.ResyncMaxAttempts
	rsCfg.Timeout = cfg.FetchTimeout
	rsCfg.Refresher = eng
	rsCfg.RefreshLimit = cfg.RefreshLimit
	svc, err := resync.New(rsCfg)
	if err != nil {
		eng.Close()
		st.Close()
		return nil, fmt.Errorf("create resync service: %w", err)
	}

	return &app{
		server: &server{
			origin:    origin,
			engine:    eng,
			lifecycle: manager,
			resync:    svc,
			tracker:   tracker,
			redis:     redisClient,
			logger:    logging.NewLogger("proxy"),
		},
		store:     st,
		engine:    eng,
		lifecycle: manager,
		resync:    svc,
		tracker:   tracker,
		interval:  cfg.ResyncInterval,
	}, nil
}

func openStore(cfg config.Config, redisClient *redis.Client) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		if redisClient == nil {
			return nil, errors.New("redis store selected without a redis client")
		}
		return store.NewRedisStore(redisClient, ""), nil
	case config.StoreSQLite:
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// observedFetcher reports resync delivery outcomes to the tracker.
func observedFetcher(f network.Fetcher, tracker *connectivity.Tracker) network.Fetcher {
	return network.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		resp, err := f.Fetch(ctx, req)
		tracker.ObserveFetch(err)
		return resp, err
	})
}

// start launches install and activation, the periodic resync loop, the
// connectivity-restored trigger and the background error log.
func (a *app) start(ctx context.Context) {
	go a.bootstrap(ctx)
	go a.resync.Run(ctx, a.interval)

	a.tracker.OnRestored(func() {
		result, err := a.resync.Trigger(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Resync after reconnect failed")
			return
		}
		log.Info().
			Int("delivered", result.Delivered).
			Int("refreshed", result.Refreshed).
			Msg("Resync after reconnect")
	})

	go func() {
		for err := range a.engine.BackgroundErrors() {
			log.Warn().Err(err).Msg("Background revalidation failed")
		}
	}()
}

// bootstrap installs and activates the current generation. A failed
// install is left for the host to retry through /_offline/install.
func (a *app) bootstrap(ctx context.Context) {
	if err := a.lifecycle.Install(ctx); err != nil {
		log.Error().Err(err).Msg("Install failed; retry with POST /_offline/install")
		return
	}
	if err := a.lifecycle.Activate(ctx); err != nil {
		log.Error().Err(err).Msg("Activation failed; retry with POST /_offline/activate")
	}
}

func (a *app) close() {
	a.lifecycle.Terminate()
	if err := a.engine.Close(); err != nil {
		log.Warn().Err(err).Msg("Engine close failed")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}
