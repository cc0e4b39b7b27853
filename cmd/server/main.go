// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/auth"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/cache"
	"github.com/jason-s-yu/cambia-lobby/internal/config"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/handlers"
	"github.com/jason-s-yu/cambia-lobby/internal/hooks"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/matchmaking"
	"github.com/jason-s-yu/cambia-lobby/internal/party"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := cfg.NewLogger()
	if err := initAuth(cfg); err != nil {
		logger.WithError(err).Fatal("failed to initialize auth keys")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

// initAuth loads the configured signing keys, or generates a key pair when none are set.
func initAuth(cfg *config.Config) error {
	if cfg.AuthPrivateKeyPath != "" {
		return auth.InitFromPath(cfg.AuthPrivateKeyPath, cfg.AuthPublicKeyPath, cfg.TokenTTL())
	}
	return auth.Init(cfg.TokenTTL())
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*database.Store, error) {
	if cfg.DBDriver == "sqlite" {
		return database.OpenSQLite(ctx, cfg.SQLitePath)
	}
	return database.OpenPostgres(ctx, cfg.PostgresURL(), logger)
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(0, logger)
	var pub broadcast.Publisher = hub
	cacheCfg := cache.Config{TTL: cfg.CacheTTL, Logger: logger}
	if rdb != nil {
		defer rdb.Close()
		cacheCfg.Redis = rdb
		pub = broadcast.NewRedisPublisher(rdb)
		go relay(ctx, rdb, hub, logger)
		logger.WithField("addr", cfg.RedisAddr).Info("Redis enabled for cache and broadcasts")
	}

	lobbyCache := cache.New(cacheCfg)
	go func() {
		if err := lobbyCache.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("cache invalidation listener stopped")
		}
	}()

	registry := hooks.NewRegistry(cfg.HookTimeout, logger)
	lobbies := lobby.NewService(store, registry, lobbyCache, pub, logger, lobby.Options{
		DeleteEmptyLobbies: cfg.DeleteEmptyLobbies,
	})
	parties := party.NewService(store, lobbies, pub, logger)
	matcher := matchmaking.NewMatcher(store, lobbies, logger)
	api := handlers.NewAPIServer(store, lobbies, parties, matcher, hub, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Running on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	// let detached after-hooks finish before the store goes away
	registry.Wait()
	return nil
}

// relay feeds events published by every instance into the local hub, reconnecting until ctx
// is done.
func relay(ctx context.Context, rdb *redis.Client, hub *broadcast.Hub, logger *logrus.Logger) {
	for {
		err := broadcast.Relay(ctx, rdb, hub, logger)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("broadcast relay stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
