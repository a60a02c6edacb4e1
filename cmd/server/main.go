package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/activityfeed/internal/api"
	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
	"github.com/gyaneshwarpardhi/activityfeed/internal/feed"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source/mongo"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source/sqlite"
	"github.com/gyaneshwarpardhi/activityfeed/internal/telemetry"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	addr := flag.String("addr", "", "HTTP listen address (overrides FEED_ADDR)")
	rulesPath := flag.String("rules", "", "Path to category rules YAML (overrides FEED_RULES_PATH)")
	flag.Parse()

	settings, err := config.LoadSettings(*envFile)
	if err != nil {
		slog.Error("failed to load settings", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		settings.Addr = *addr
	}
	if *rulesPath != "" {
		settings.RulesPath = *rulesPath
	}

	logger := newLogger(os.Stdout, settings)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tracing ───────────────────────────────────────────────────────────────
	if settings.Tracing {
		shutdownTracer, err := telemetry.InitTracer("activityfeed", logger)
		if err != nil {
			slog.Error("failed to initialize tracing", "err", err)
			os.Exit(1)
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	// ── Rules ─────────────────────────────────────────────────────────────────
	var loader *config.Loader
	rules := config.Default()
	if settings.RulesPath != "" {
		loader, err = config.NewLoader(settings.RulesPath)
		if err != nil {
			slog.Error("failed to load rules", "path", settings.RulesPath, "err", err)
			os.Exit(1)
		}
		rules = loader.Config()
	}
	set, err := category.Build(rules)
	if err != nil {
		slog.Error("failed to build categories", "err", err)
		os.Exit(1)
	}
	slog.Info("categories loaded", "version", rules.Version, "categories", len(rules.Categories))

	// ── Event source ──────────────────────────────────────────────────────────
	src, appender, err := openSource(ctx, settings)
	if err != nil {
		slog.Error("failed to open event source", "store", settings.Store, "err", err)
		os.Exit(1)
	}
	defer func() { _ = src.Close() }()

	var fetcher attrs.Fetcher = src
	if settings.UseRedis() {
		rf, err := attrs.NewRedisFetcher(attrs.RedisOptions{
			URL:    settings.RedisURL,
			Prefix: settings.RedisPrefix,
			TTL:    settings.AttrTTL,
		}, src)
		if err != nil {
			slog.Warn("redis attribute tier unavailable, fetching from the event source", "err", err)
		} else {
			defer func() { _ = rf.Close() }()
			fetcher = rf
			slog.Info("redis attribute tier enabled", "prefix", settings.RedisPrefix, "ttl", settings.AttrTTL)
		}
	}

	// ── Feeds ─────────────────────────────────────────────────────────────────
	feeds := feed.NewManager(ctx, src, fetcher, set, rules.Feed)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	if loader != nil {
		loader.OnChange(func(cfg *config.RulesConfig) {
			newSet, err := category.Build(cfg)
			if err != nil {
				slog.Warn("hot-reload skipped: categories invalid", "err", err)
				return
			}
			feeds.SwapCategories(newSet)
			slog.Info("categories hot-reloaded", "version", cfg.Version, "categories", len(cfg.Categories))
		})
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("rules watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Options{
		Feeds:    feeds,
		Loader:   loader,
		Appender: appender,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              settings.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", settings.Addr, "store", settings.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	feeds.Shutdown()
	cancel()
	slog.Info("goodbye")
}

func newLogger(w io.Writer, s *config.Settings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.SlogLevel()}
	if s.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type appendingSource interface {
	source.Source
	source.Appender
}

func openSource(ctx context.Context, s *config.Settings) (source.Source, source.Appender, error) {
	var (
		src appendingSource
		err error
	)
	switch s.Store {
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		src, err = mongo.Open(cctx, s.MongoURI, s.MongoDB)
	default:
		if dir := filepath.Dir(s.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		src, err = sqlite.Open(s.SQLitePath)
	}
	if err != nil {
		return nil, nil, err
	}
	return src, src, nil
}
