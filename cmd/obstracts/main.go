package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/muchdogesec/obstracts-sub000/internal/config"
	"github.com/muchdogesec/obstracts-sub000/internal/content"
	"github.com/muchdogesec/obstracts-sub000/internal/feeds"
	server "github.com/muchdogesec/obstracts-sub000/internal/http"
	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/lock"
	"github.com/muchdogesec/obstracts-sub000/internal/migrate"
	"github.com/muchdogesec/obstracts-sub000/internal/pdf"
	"github.com/muchdogesec/obstracts-sub000/internal/queue"
	"github.com/muchdogesec/obstracts-sub000/internal/scraper"
	"github.com/muchdogesec/obstracts-sub000/internal/store"
	"github.com/muchdogesec/obstracts-sub000/internal/units"
	"github.com/muchdogesec/obstracts-sub000/internal/vulns"
)

// backend is satisfied by both the Postgres and the in-memory store.
type backend interface {
	jobs.Store
	units.PostStore
	units.ObjectStore
	server.FeedStore
	server.Pinger
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	switch *role {
	case "api", "worker", "all":
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st backend
	if cfg.Database.DSN != "" {
		// Run migrations on a short-lived connection
		if err := migrate.Run(cfg.Database.DSN, migrate.DefaultDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}

		db, err := sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db failed: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(30 * time.Minute)
		st = store.New(db)
	} else {
		logger.Warn("database.dsn is empty; keeping state in memory")
		st = store.NewMemory()
	}

	var (
		rdb   *redis.Client
		q     queue.Queue
		mutex jobs.FeedMutex
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url failed: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		visibility := time.Duration(cfg.Worker.VisibilityTimeoutMs) * time.Millisecond
		q = queue.NewRedisQueue(rdb, cfg.Redis.KeyPrefix, visibility)
		mutex = lock.NewRedisMutex(rdb, cfg.Redis.KeyPrefix, cfg.LockTTL())
	} else {
		if *role != "all" {
			log.Fatalf("role %s needs redis.url; the in-memory queue is not shared between processes", *role)
		}
		logger.Warn("redis.url is empty; using the in-memory queue and feed lock")
		q = queue.NewMemoryQueue()
		mutex = lock.NewMemoryMutex(cfg.LockTTL())
	}

	engine := jobs.NewEngine(st, mutex, q, jobs.Options{
		LockRetryDelay:  cfg.LockRetryDelay(),
		LockMaxAttempts: cfg.Lock.MaxAttempts,
		SoftTimeLimit:   cfg.SoftTimeLimit(),
		HardTimeLimit:   cfg.HardTimeLimit(),
	}, logger)

	httpScraper := scraper.NewHTTPScraper(scraper.Options{
		Timeout:        time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond,
		UserAgent:      cfg.Scraper.UserAgent,
		RespectRobots:  cfg.Scraper.RespectRobots,
		RequestsPerSec: cfg.Scraper.RequestsPerSec,
		Burst:          cfg.Scraper.Burst,
	})

	deps := units.Deps{
		Posts:             st,
		Objects:           st,
		Feeds:             feeds.NewFetcher(httpScraper.Client(), cfg.Scraper.UserAgent, httpScraper),
		Scraper:           httpScraper,
		Content:           content.NewPatternProcessor(),
		Vulns:             vulns.NewNVDClient(cfg.Vulnerabilities.BaseURL, cfg.Vulnerabilities.APIKey, cfg.Vulnerabilities.RequestsPerSec, time.Duration(cfg.Vulnerabilities.TimeoutMs)*time.Millisecond),
		DefaultProfile:    cfg.Extraction.DefaultProfile,
		DefaultCookieMode: cfg.PDF.DefaultCookieMode,
		VulnBatchSize:     cfg.Vulnerabilities.BatchSize,
		Logger:            logger,
	}
	if cfg.Rod.Enabled {
		timeout := time.Duration(cfg.Rod.TimeoutMs) * time.Millisecond
		deps.Browser = scraper.NewRodScraper(cfg.Rod.BrowserURL, timeout)
		deps.PDF = pdf.NewRodRenderer(cfg.Rod.BrowserURL, timeout)
	} else {
		logger.Warn("rod is disabled; PDF_INDEX jobs and generate_pdf will fail")
	}
	units.Register(engine, deps)

	if *role != "api" && cfg.Worker.ReconcileOnStartup {
		if _, err := jobs.ReconcileOnStartup(ctx, st, mutex, logger); err != nil {
			log.Fatalf("reconcile jobs failed: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if *role != "api" {
		runner := jobs.NewRunner(cfg, engine, q, logger)
		g.Go(func() error {
			runner.Start(gctx)
			return nil
		})
	}

	if *role != "worker" {
		s := server.NewServer(cfg, server.Deps{Engine: engine, Feeds: st, DB: st, Redis: rdb}, logger)
		g.Go(func() error {
			logger.Info("api listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
			return s.Listen()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
