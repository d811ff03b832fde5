package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"workshelf/api/internal/app"
	"workshelf/api/internal/archive"
	"workshelf/api/internal/cache"
	"workshelf/api/internal/config"
	"workshelf/api/internal/export"
	"workshelf/api/internal/gitrepo"
	"workshelf/api/internal/logger"
	"workshelf/api/internal/metrics"
	"workshelf/api/internal/search"
	"workshelf/api/internal/store"
	"workshelf/api/internal/versioning"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("workshelf api stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	graph, err := cfg.Graph()
	if err != nil {
		return err
	}

	opts := app.Options{
		Metrics:         metrics.New(),
		Logger:          logger.Component(log, "service"),
		Exporter:        export.NewService(cfg.Export.Timeout),
		ConflictRetries: cfg.Versioning.ConflictRetries,
		RetryBackoff:    cfg.Versioning.RetryBackoff,
	}

	var ledger versioning.Ledger
	var fallback search.Searcher
	if strings.TrimSpace(cfg.Database.URL) != "" {
		db, err := store.Open(ctx, cfg.Database.URL, store.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.Database.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("migrations complete")

		pg := store.NewPostgresStore(db)
		ledger = pg
		opts.Database = pg
		fallback = search.NewPgFTS(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, using the in-memory ledger")
		ledger = store.NewMemoryStore()
		fallback = search.NewMemory()
	}

	if strings.TrimSpace(cfg.Redis.URL) != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer redisCache.Close()
		opts.Cache = redisCache
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.Meili.URL) != "" {
		meili = search.NewMeili(cfg.Meili.URL, cfg.Meili.MasterKey, cfg.Meili.Index, logger.Component(log, "meili"))
		defer meili.Close()
	}
	var primary search.Index
	if meili != nil {
		primary = meili
	}
	searchService := search.NewService(primary, fallback, logger.Component(log, "search"))
	opts.Search = searchService

	if strings.TrimSpace(cfg.Archive.Endpoint) != "" {
		archiver, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		opts.Archive = archiver
	}

	if dir := strings.TrimSpace(cfg.Mirror.ReposDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mirror dir: %w", err)
		}
		opts.Mirror = gitrepo.New(dir)
	}

	service := app.NewService(versioning.New(ledger, graph), opts)
	if n, err := service.ReindexPublic(ctx); err != nil {
		log.Warn().Err(err).Msg("startup reindex failed")
	} else {
		log.Info().Int("documents", n).Msg("search index primed")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.NewHTTPServer(service, cfg.Server.CORSOrigin, logger.Component(log, "http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("transitions", graph.String()).Msg("workshelf api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		searchService.Wait()
		log.Info().Msg("shutdown complete")
		return nil
	})
	return group.Wait()
}
