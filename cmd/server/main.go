package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/protect-engine/internal/api"
	"github.com/atmx/protect-engine/internal/broker"
	"github.com/atmx/protect-engine/internal/engine"
	"github.com/atmx/protect-engine/internal/metrics"
	"github.com/atmx/protect-engine/internal/notify"
	"github.com/atmx/protect-engine/internal/session"
	"github.com/atmx/protect-engine/internal/settings"
	"github.com/atmx/protect-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Stores ---
	var (
		st     store.Store
		cfgSrc settings.Store
	)

	baseline := settings.NewMemoryStore()
	if path := os.Getenv("SETTINGS_BASELINE"); path != "" {
		if err := settings.LoadBaseline(path, baseline); err != nil {
			slog.Error("baseline settings load failed", "path", path, "err", err)
			os.Exit(1)
		}
		slog.Info("baseline settings loaded", "path", path)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		cfgSrc = settings.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			cfgSrc = settings.NewCachedStore(cfgSrc, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory stores (state will not persist)")
		st = store.NewMemoryStore()
		cfgSrc = baseline
	}

	cfg := settings.Overlay{Overrides: cfgSrc, Baseline: baseline}

	// --- Broker ---
	var b broker.Broker
	if wsURL := os.Getenv("BROKER_WS_URL"); wsURL != "" {
		b = broker.NewClient(os.Getenv("BROKER_URL"), wsURL, os.Getenv("BROKER_TOKEN"))
		slog.Info("broker gateway configured", "stream", wsURL)
	} else {
		slog.Warn("BROKER_WS_URL not set, using simulated broker")
		b = broker.NewSim()
	}

	// --- Notifications ---
	hub := notify.NewHub()
	go hub.Run()
	notifier := notify.Multi{&notify.LogNotifier{}, hub}

	// --- Session ---
	resolver := settings.NewResolver(cfg, notifier)
	manager := session.NewManager(b, st, resolver, notifier)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if accountID := os.Getenv("ACCOUNT_ID"); accountID != "" {
		sess, err := manager.Activate(rootCtx, broker.Credentials{
			AccountID: accountID,
			Token:     os.Getenv("BROKER_TOKEN"),
		})
		if err != nil {
			slog.Error("session activation failed", "account", accountID, "err", err)
			os.Exit(1)
		}
		slog.Info("session active", "account", accountID, "session", sess.ID)

		go func() {
			if eng, err := manager.Engine(); err == nil {
				engine.NewSweeper(eng, b).Run(rootCtx)
			}
		}()
	} else {
		slog.Warn("ACCOUNT_ID not set, waiting for POST /api/v1/account/switch")
	}

	// --- Control API ---
	apiSvc := api.NewService(manager, resolver, broker.NewMetaCache(b), st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"protect-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time notifications.
		r.Get("/ws", hub.HandleWS)

		apiSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("protect-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down protect-engine...")
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop the stream and drain pending events before the HTTP listener
	// goes away, so every received fill ends up protected or persisted.
	if err := manager.Deactivate(ctx); err != nil && err != session.ErrNoSession {
		slog.Error("session stop error", "err", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("protect-engine stopped")
}
