// Сервер дерева: WebSocket-протокол и REST поверх storage.Tree, правила доступа,
// действия при обрыве, сборщик флагов набора и пуши для офлайн-получателей.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/notify"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/rules"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/storage/pebble"
	"github.com/chatsync/internal/storage/postgres"
	"github.com/chatsync/internal/sweeper"
	"github.com/chatsync/internal/ws"
)

const devSecret = "chatsync-dev-secret"

func main() {
	logger.SetPrefix("realtime")
	dev := flag.Bool("dev", false, "local development: dev JWT secret, token endpoint, embedded PostgreSQL for STORE_BACKEND=postgres")
	flag.Parse()

	logger.Info("starting realtime service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if cfg.JWTSecret == "" {
		if !*dev {
			logger.Error("JWT_SECRET is required (or run with -dev)")
			logger.Flush()
			os.Exit(1)
		}
		cfg.JWTSecret = devSecret
		logger.Info("dev mode: using built-in JWT secret")
	}
	metrics.Init()
	internalSecret := os.Getenv("INTERNAL_SECRET")

	backend, feed, closeBackend, err := openBackend(cfg, *dev)
	if err != nil {
		logger.Errorf("open %s backend: %v", cfg.StoreBackend, err)
		logger.Flush()
		os.Exit(1)
	}
	defer closeBackend()
	logger.Infof("store backend: %s", cfg.StoreBackend)

	tree := storage.NewTree(backend, storage.Options{Rules: rules.New(), Feed: feed})
	tree.OnCommit(metrics.CommitHook)

	sw := sweeper.New(tree, cfg.Session.TypingTTL, nil)
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sw.Seed(seedCtx); err != nil {
		logger.Errorf("sweeper seed: %v", err)
	}
	seedCancel()
	if err := sw.Start(cfg.Session.TypingSweepSpec); err != nil {
		logger.Errorf("sweeper: %v", err)
		logger.Flush()
		os.Exit(1)
	}

	pushClient := push.NewClient(cfg.PushServiceURL, internalSecret)
	var watcher *notify.Watcher
	if pushClient.Enabled() {
		watcher = notify.New(tree, pushClient)
		logger.Infof("push notifications via %s", cfg.PushServiceURL)
	}

	hub := ws.NewHub(tree, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		OpsPerSecond:   cfg.WSOpsPerSecond,
		SendBuffer:     cfg.WSSendBufferSize,
		MaxMessageSize: cfg.WSMaxMessageSize,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return tree.Run(gctx) })
	g.Go(func() error {
		metrics.TrackSubscriptions(tree, 5*time.Second, gctx.Done())
		return nil
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	treeH := handler.NewTreeHandler(tree)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(middleware.InternalOnly(internalSecret)).Handle("/metrics", metrics.Handler())
	r.Get("/api/config/session", configH.GetSessionConfig)
	r.Get("/api/config/push", configH.GetPushConfig)
	if *dev {
		r.With(middleware.InternalOnly(internalSecret)).
			Post("/api/dev/token", handler.NewTokenHandler(cfg.JWTSecret, 24*time.Hour).Issue)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitPerMinute))
		r.Get("/ws", wsH.ServeWS)
		r.Route("/api/tree", treeH.Routes)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
		}
	case <-gctx.Done():
		logger.Errorf("background task failed: %v", context.Cause(gctx))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// hub закрывает соединения: их действия при обрыве выполняются до закрытия дерева
	runCancel()
	if err := g.Wait(); err != nil {
		logger.Errorf("background: %v", err)
	}
	sw.Stop()
	if err := tree.Close(); err != nil {
		logger.Errorf("tree close: %v", err)
	}
	logger.Info("realtime server stopped")
	logger.Flush()
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// openBackend открывает хранилище листьев по STORE_BACKEND. feed != nil — бэкенд общий для нескольких экземпляров.
func openBackend(cfg *config.Config, dev bool) (storage.Backend, storage.ChangeFeed, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPebble:
		b, err := pebble.Open(cfg.PebbleDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, nil, func() {}, nil
	case config.BackendRedis:
		b := startup.ConnectRedisWithRetry(cfg.RedisURL, 60*time.Second, "")
		return b, b, func() {}, nil
	case config.BackendPostgres:
		return openPostgres(cfg, dev)
	}
	return memory.New(), nil, func() {}, nil
}

func openPostgres(cfg *config.Config, dev bool) (storage.Backend, storage.ChangeFeed, func(), error) {
	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("embedded postgres: %w", err)
		}
	}
	stopEmbedded := func() {
		if embeddedDB == nil {
			return
		}
		logger.Info("stopping embedded postgres...")
		if err := embeddedDB.Stop(); err != nil {
			logger.Errorf("embedded postgres stop: %v", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		stopEmbedded()
		return nil, nil, nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2
	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		stopEmbedded()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database connected, migrations applied")
	b := postgres.New(pool)
	return b, b, func() {
		pool.Close()
		stopEmbedded()
	}, nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatsync"
		password = "chatsync_secret"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
