package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lydiehq/lydie-sub006/internal/app"
	"github.com/lydiehq/lydie-sub006/internal/archive"
	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/config"
	"github.com/lydiehq/lydie-sub006/internal/gateway"
	"github.com/lydiehq/lydie-sub006/internal/history"
	"github.com/lydiehq/lydie-sub006/internal/idempotency"
	"github.com/lydiehq/lydie-sub006/internal/logging"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
	"github.com/lydiehq/lydie-sub006/internal/persist"
	"github.com/lydiehq/lydie-sub006/internal/query"
	"github.com/lydiehq/lydie-sub006/internal/search"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, nil)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		log.Info().Strs("versions", applied).Msg("migrations applied")
	}
	dataStore := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{"database": dataStore}

	var outcomes idempotency.Store = idempotency.NewMemoryStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := idempotency.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		outcomes = redisStore
		checks["redis"] = redisStore
		log.Info().Msg("using redis for mutation outcomes")
	}

	feed := changefeed.New()
	defer feed.Shutdown()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component(log, "meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db), logging.Component(log, "search"))
	if meiliClient != nil {
		go searchService.ReindexAll(ctx)
		go func() {
			if err := searchService.Follow(ctx, feed); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("search indexer stopped")
			}
		}()
	}

	var snapshotArchive persist.Archive
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		s3, err := archive.NewS3Archive(archive.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("snapshot archive setup failed")
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			log.Warn().Err(err).Msg("snapshot bucket unavailable, saves will retry")
		}
		snapshotArchive = s3
	}
	var contentHistory persist.History
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create history dir")
		}
		contentHistory = history.New(cfg.HistoryDir)
	}

	resolver := authz.NewResolver([]byte(cfg.TokenSecret), dataStore, cfg.AuthCacheTTL, logging.Component(log, "authz"))
	engine := mutator.NewEngine(
		mutator.NewRegistry(mutator.Catalog()...),
		dataStore,
		outcomes,
		cfg.IdempotencyTTL,
		feed,
		logging.Component(log, "mutator"),
	)
	queries := query.NewLayer(query.Env{Source: dataStore, Searcher: searchService}, feed, logging.Component(log, "query"), query.Catalog()...)
	rooms := gateway.NewRegistry(
		persist.NewAdapter(dataStore, snapshotArchive, contentHistory, logging.Component(log, "persist")),
		gateway.Options{
			SnapshotInterval:    cfg.SnapshotInterval,
			SaveRetryCeiling:    cfg.SaveRetryCeiling,
			AuthRefreshInterval: cfg.AuthRefreshInterval,
			FrameRate:           cfg.FrameRate,
			FrameBurst:          cfg.FrameBurst,
		},
		logging.Component(log, "gateway"),
	)

	service := app.NewService(app.Deps{
		Resolver: resolver,
		Engine:   engine,
		Queries:  queries,
		Rooms:    rooms,
		Checks:   checks,

		AuthRefreshInterval: cfg.AuthRefreshInterval,
	})
	httpServer := app.NewHTTPServer(
		service,
		gateway.NewHandler(rooms, resolver, cfg.CORSOrigin, logging.Component(log, "sync")),
		metrics.Handler(),
		cfg.CORSOrigin,
		logging.Component(log, "http"),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("lydie sync api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	httpServer.Close()
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("room shutdown error")
	}
	stop()
}
