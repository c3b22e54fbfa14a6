// Command relayd serves the relay's ingest and admin APIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	relay "github.com/fixci/relay"
	"github.com/fixci/relay/admin"
	"github.com/fixci/relay/analysis"
	"github.com/fixci/relay/gormstore"
	"github.com/fixci/relay/ledger"
	"github.com/fixci/relay/meter"
	"github.com/fixci/relay/policy"
	"github.com/fixci/relay/provider/anthropic"
	"github.com/fixci/relay/provider/gemini"
	"github.com/fixci/relay/provider/openaicompat"
	"github.com/fixci/relay/quota"
	"github.com/fixci/relay/quota/postgres"
	"github.com/fixci/relay/quota/redis"
	"github.com/fixci/relay/server"
)

const (
	tierCacheTTL    = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg := relay.DefaultConfig()
	if settings.Config != "" {
		if cfg, err = relay.LoadConfig(settings.Config); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store   relay.LedgerStore
		dedup   relay.Deduper
		cursor  relay.Cursor
		tierSrc relay.TierSource
		billing relay.BillingStore
	)

	if settings.DatabaseURL != "" {
		db, err := gormstore.OpenPostgres(settings.DatabaseURL)
		if err != nil {
			return err
		}
		catalog := gormstore.New(db)
		if err := catalog.AutoMigrate(ctx); err != nil {
			return err
		}
		if err := catalog.SeedTiers(ctx, cfg.Tiers); err != nil {
			return err
		}
		tierSrc, billing = catalog, catalog
	} else {
		tierSrc = relay.NewStaticTiers(cfg.Tiers...)
		billing = quota.NewMemoryBillingLog()
	}

	dedup, cursor = quota.NewMemoryDeduper(), &relay.AtomicCursor{}
	var rs *redis.Store
	if settings.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: settings.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rs = redis.New(rdb)
		dedup, cursor = rs, rs
	}

	switch settings.Ledger {
	case "postgres":
		pool, err := pgxpool.New(ctx, settings.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pool.Close()
		ps := postgres.New(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			return err
		}
		store = ps
		if rs == nil {
			dedup, cursor = ps, ps
		}
	case "redis":
		store = rs
	default:
		store = quota.NewMemoryStore()
		logger.Warn("using in-memory ledger; usage is lost on restart")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := meter.NewStatsMeter()
	m := meter.Multi(meter.NewLogMeter(logger), meter.NewPrometheusMeter(reg), stats)

	tiers := relay.NewTierStore(tierSrc, tierCacheTTL)
	cursorFailed := func(err error) {
		logger.Warn("rotation cursor unavailable", zap.Error(err))
	}

	dispatcher, err := relay.NewDispatcher(cfg, tiers, providers(cfg, settings),
		relay.WithPolicy(&policy.HealthFirst{Inner: &relay.TierOrder{Cursor: cursor, OnCursorError: cursorFailed}}),
		relay.WithMeter(m),
		relay.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if avail := dispatcher.Available(); len(avail) == 0 {
		logger.Warn("no analysis backend has credentials; failures will be rejected")
	} else {
		logger.Info("backends available", zap.Strings("backends", avail))
	}

	l := ledger.New(store, tiers,
		ledger.WithBilling(cfg.Billing),
		ledger.WithRecorder(ledger.NewRecorder(billing, logger)),
		ledger.WithMeter(m),
		ledger.WithLogger(logger),
	)

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Config{
		Analysis:    analysis.New(l, dispatcher, analysis.WithDeduper(dedup, 0), analysis.WithLogger(logger)),
		Admin:       admin.New(l, tiers),
		Ledger:      l,
		Stats:       stats,
		Health:      dispatcher,
		Gatherer:    reg,
		AdminToken:  settings.AdminToken,
		IngestToken: settings.IngestToken,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relayd listening", zap.String("addr", settings.ListenAddr), zap.String("ledger", settings.Ledger))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// providers builds an adapter for every backend named in cfg. Unknown
// names are skipped by the dispatcher since no adapter registers them.
func providers(cfg relay.Config, s Settings) []relay.Provider {
	var out []relay.Provider
	for _, b := range cfg.Backends {
		switch b.Name {
		case "openai":
			var opts []openaicompat.Option
			if b.BaseURL != "" {
				opts = append(opts, openaicompat.WithBaseURL(b.BaseURL))
			}
			out = append(out, openaicompat.NewOpenAI(opts...))
		case "cloudflare":
			var opts []openaicompat.Option
			if b.BaseURL != "" {
				opts = append(opts, openaicompat.WithBaseURL(b.BaseURL))
			}
			out = append(out, openaicompat.NewCloudflare(s.CloudflareAccountID, opts...))
		case "claude":
			var opts []anthropic.Option
			if b.BaseURL != "" {
				opts = append(opts, anthropic.WithBaseURL(b.BaseURL))
			}
			out = append(out, anthropic.New(opts...))
		case "gemini":
			var opts []gemini.Option
			if b.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(b.BaseURL))
			}
			out = append(out, gemini.New(opts...))
		}
	}
	return out
}
