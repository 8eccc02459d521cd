package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marykatefain/bookstr-sub001/internal/cache"
	"github.com/marykatefain/bookstr-sub001/internal/config"
	"github.com/marykatefain/bookstr-sub001/internal/feed"
	"github.com/marykatefain/bookstr-sub001/internal/metrics"
	"github.com/marykatefain/bookstr-sub001/internal/nostr"
	"github.com/marykatefain/bookstr-sub001/internal/profile"
	"github.com/marykatefain/bookstr-sub001/internal/relay"
)

func main() {
	InitLogger()

	backend := buildCacheBackend()
	defer backend.Close()

	pool := relay.NewPool(config.DefaultRelays())
	defer pool.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	status := pool.Connect(ctx, false)
	cancel()
	slog.Info("relay pool started", "status", status.String(), "relays", len(config.DefaultRelays()))

	cacheCfg := cache.DefaultConfig()
	resolver := profile.NewResolver(pool, config.ProfileRelays(), backend, *cacheCfg)

	feeds := feed.NewService(pool, resolver, backend, cacheCfg, config.DefaultRelays(), feed.Options{})
	feeds.Start()
	defer feeds.Stop()

	var signer *nostr.Signer
	if key := os.Getenv("BOOKSTR_PRIVKEY"); key != "" {
		var err error
		signer, err = nostr.NewSigner(key)
		if err != nil {
			slog.Error("invalid signing key", "error", err)
			os.Exit(1)
		}
		feeds.SetViewer(signer.PubKey())
		slog.Info("signing enabled", "pubkey", nostr.ShortID(signer.PubKey()))
	}
	reactor := feed.NewReactor(pool, feeds, signer, config.PublishRelays())

	srv := &server{feeds: feeds, reactor: reactor}

	r := chi.NewRouter()
	r.Use(RequestLoggingMiddleware)

	r.Get("/feed/{type}", srv.handleGetFeed)
	r.Post("/feed/{type}/refresh", srv.handleRefreshFeed)
	r.Get("/feed/{type}/events", srv.handleFeedEvents)
	r.Post("/feed/{type}/reactions/{eventID}", srv.handleToggleReaction)
	r.Get("/health", srv.handleHealth(func() string { return pool.Status().String() }))
	r.Get("/metrics", metrics.Handler(pool, pool.Health()))

	addr := os.Getenv("BOOKSTR_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
}

// buildCacheBackend picks the cache backend from the environment: Redis when
// REDIS_URL is set, SQLite when BOOKSTR_CACHE_DB is set, in-memory otherwise.
func buildCacheBackend() cache.Backend {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		backend, err := cache.NewRedisCache(redisURL, "bookstr")
		if err == nil {
			slog.Info("cache backend", "type", "redis")
			return backend
		}
		slog.Warn("redis unavailable, falling back", "error", err)
	}
	if dbPath := os.Getenv("BOOKSTR_CACHE_DB"); dbPath != "" {
		backend, err := cache.NewSQLiteCache(dbPath)
		if err == nil {
			slog.Info("cache backend", "type", "sqlite", "path", dbPath)
			return backend
		}
		slog.Warn("sqlite cache unavailable, falling back", "error", err)
	}
	slog.Info("cache backend", "type", "memory")
	return cache.NewMemoryCache(10000, 5*time.Minute)
}
