// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/startup"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if *genVAPID {
		keys, err := push.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			logger.Flush()
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", keys.PublicKey)
		logger.Infof("VAPID_PRIVATE_KEY=%s", keys.PrivateKey)
		logger.Flush()
		return
	}
	logger.Info("starting push service")
	addr := getEnv("SERVER_ADDR", ":8082")
	redisURL := getEnv("REDIS_URL", "redis://localhost:6379")

	var (
		send      push.Sender
		publicKey string
	)
	keys, err := push.LoadVAPIDKeys("")
	if err != nil {
		logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи: %v — отправка отключена (подписки сохраняются)", err)
	} else {
		send = push.WebPushSender(keys, getEnv("VAPID_SUBSCRIBER", "chatsync-push"))
		publicKey = keys.PublicKey
	}

	rdb := startup.ConnectRedisWithRetry(redisURL, 60*time.Second, "")
	defer rdb.Close()
	logger.Info("redis connected")

	srv := push.NewServer(push.NewRedisStore(rdb.Redis()), send, publicKey)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv.Routes(r, middleware.InternalOnly(os.Getenv("INTERNAL_SECRET")))

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("push server listening on %s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("push server: %v", err)
			logger.Flush()
			os.Exit(1)
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
	logger.Flush()
}
