// Package main is the entry point for the llmgate proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/api"
	"github.com/blueberrycongee/llmgate/internal/breaker"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/pricing"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/registry"
	"github.com/blueberrycongee/llmgate/internal/relay"
	"github.com/blueberrycongee/llmgate/internal/secret"
	"github.com/blueberrycongee/llmgate/internal/selector"
	"github.com/blueberrycongee/llmgate/internal/session"
	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/internal/upstream"
	"github.com/blueberrycongee/llmgate/internal/usage"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for everything before the config is loaded.
	boot := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	manager, err := config.NewManager(*configPath, boot)
	if err != nil {
		boot.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := manager.Get()

	redactor := observability.NewRedactor()
	log := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, redactor)
	slog.SetDefault(log.Slog())

	log.RedactedInfo("starting llmgate", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Watch(ctx); err != nil {
		log.RedactedWarn("config hot-reload disabled", "error", err)
	}

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		log.RedactedError("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(store.Config{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		log.RedactedError("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.RedactedError("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.RedactedError("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	prefix := cfg.Redis.KeyPrefix
	reg := registry.New(st, cfg.Relay.RegistryTTL, log)
	inv := registry.NewInvalidator(rdb, cfg.Redis.InvalidationChannel, reg, log)
	go inv.Run(ctx)

	brk := breaker.New(rdb, prefix, log)
	sessions := session.New(rdb, prefix, cfg.Relay.SessionTTL)
	limiter := ratelimit.NewLimiter(rdb, prefix)
	guard := ratelimit.NewGuard(limiter, sessions)
	sel := selector.New(time.Now().UnixNano())

	resolver, err := secret.NewResolver(&secret.VaultConfig{
		Address:  cfg.Vault.Address,
		Token:    cfg.Vault.Token,
		RoleID:   cfg.Vault.RoleID,
		SecretID: cfg.Vault.SecretID,
	})
	if err != nil {
		log.RedactedError("failed to initialize secret resolver", "error", err)
		os.Exit(1)
	}
	auth := upstream.NewAuthenticator(resolver, log)
	dispatch := upstream.NewDispatcher(log)

	prices := store.NewPriceTable(st, 5*time.Minute)
	if err := prices.Load(ctx); err != nil {
		log.RedactedWarn("price table load failed, pricing degrades until refresh", "error", err)
	}
	calc := pricing.NewCalculator(prices, types.CacheTTLPreference(cfg.Pricing.DefaultCacheTTL))

	var archiver *usage.Archiver
	if cfg.Archive.Enabled {
		archiver, err = usage.NewArchiver(ctx, cfg.Archive, log)
		if err != nil {
			log.RedactedError("failed to initialize usage archive", "error", err)
			os.Exit(1)
		}
		go archiver.Run(ctx)
	}
	recorder := usage.NewRecorder(st, calc, limiter, archiver, log, cfg.Relay.RecorderTimeout)

	rly := relay.New(cfg.Relay, reg, brk, sessions, limiter, guard, sel,
		auth, dispatch, recorder, tp.Tracer(), log)

	mux := http.NewServeMux()
	api.NewHandler(rly, st, log).Register(mux)
	api.NewAdmin(cfg.Server.AdminToken, st, brk, limiter, auth, dispatch, inv, log).Register(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.RedactedInfo("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.RedactedError("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.RedactedInfo("shutting down, draining in-flight requests",
		"timeout", cfg.Server.DrainTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.RedactedError("server shutdown error", "error", err)
	}

	// Stops the invalidator, config watcher, and archiver flush loop; the
	// archiver performs a final flush on the way out.
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.RedactedWarn("tracer shutdown error", "error", err)
	}
	log.RedactedInfo("server stopped")
}
