package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	amqpadapter "github.com/slotgrid/bookcore/internal/adapter/amqp"
	"github.com/slotgrid/bookcore/internal/adapter/fsm"
	handler "github.com/slotgrid/bookcore/internal/adapter/http"
	oteladapter "github.com/slotgrid/bookcore/internal/adapter/otel"
	riveradapter "github.com/slotgrid/bookcore/internal/adapter/river"
	"github.com/slotgrid/bookcore/internal/adapter/sqlite"
	"github.com/slotgrid/bookcore/internal/adapter/ws"
	"github.com/slotgrid/bookcore/internal/app"
	"github.com/slotgrid/bookcore/internal/cache"
	"github.com/slotgrid/bookcore/internal/config"
	"github.com/slotgrid/bookcore/internal/realtime"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("bookcore: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.New()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", cfg.App.Name)

	// --- Observability ---
	if cfg.OTel.Enabled {
		providers, err := oteladapter.Setup(ctx, oteladapter.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("otel shutdown", "error", err)
			}
		}()
	}

	// --- Storage ---
	db, err := oteladapter.OpenDB(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	store, err := sqlite.NewFromDB(db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	defer store.Close()

	tracingStore := oteladapter.NewTracingStore(store)

	// --- Async job queue ---
	riverClient, err := riveradapter.Setup(ctx, store.DB(), nil)
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			logger.Warn("river stop", "error", err)
		}
	}()

	publisher := oteladapter.NewTracingPublisher(riveradapter.NewPublisher(riverClient))

	// --- Rule cache and application facade ---
	ruleCache, err := cache.New(cfg.Cache.Size, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	svc := app.NewSession(tracingStore, tracingStore, tracingStore, publisher, ruleCache,
		app.WithLogger(logger),
		app.WithStoreTimeout(cfg.Store.Timeout),
		app.WithRetryPolicy(app.RetryPolicy{
			MaxAttempts: cfg.Store.RetryAttempts,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		}),
	)

	// --- Realtime rule sync (optional) ---
	var manager *realtime.Manager
	if cfg.Realtime.URL != "" {
		transport, err := ws.NewTransport(cfg.Realtime.URL,
			ws.WithHandshakeTimeout(cfg.Realtime.ConnectTimeout),
		)
		if err != nil {
			return fmt.Errorf("realtime transport: %w", err)
		}
		manager = realtime.NewManager(transport, fsm.New(), ruleCache, realtime.ReconnectPolicy{
			MaxAttempts:    cfg.Realtime.MaxReconnects,
			BaseDelay:      cfg.Realtime.BaseDelay,
			MaxDelay:       cfg.Realtime.MaxDelay,
			ConnectTimeout: cfg.Realtime.ConnectTimeout,
			Jitter:         true,
		}, logger)
	}

	// --- Broker fan-in (optional) ---
	if cfg.AMQP.Enabled {
		listener, err := amqpadapter.NewListener(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue, ruleCache, logger)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer listener.Close()

		listenCtx, cancelListen := context.WithCancel(ctx)
		defer cancelListen()
		if err := listener.Start(listenCtx); err != nil {
			return fmt.Errorf("amqp start: %w", err)
		}
	}

	// --- HTTP API ---
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware(cfg.App.Name, otelchi.WithChiRoutes(router)))

	api := humachi.New(router, huma.DefaultConfig(cfg.App.Name, cfg.App.Version))
	handler.Register(api, svc, manager)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	case <-done:
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	logger.Info("stopped")
	return nil
}
