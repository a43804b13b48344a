package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/caches"
	"github.com/newsroom-cms/backend/internal/changelog"
	"github.com/newsroom-cms/backend/internal/config"
	"github.com/newsroom-cms/backend/internal/db"
	"github.com/newsroom-cms/backend/internal/events"
	"github.com/newsroom-cms/backend/internal/models"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.PoolSettings{
		MaxConns:        int32(cfg.PGMaxConns),
		MinConns:        int32(cfg.PGMinConns),
		MaxConnLifetime: cfg.PGConnLifetime,
		MaxConnIdleTime: cfg.PGConnIdleTime,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	publisher := events.NewRedisPublisher(rdb, cfg.ChangesChannel, log)
	changes := changelog.New(pool, publisher, log)

	subscriber := events.NewRedisSubscriber(rdb, cfg.ChangesChannel, log)
	err = subscriber.Subscribe(ctx, func(e events.ChangeEvent) {
		if e.Type == events.EventWelcomeUser {
			log.Info("welcome pending",
				zap.Int64("user_id", e.OID), zap.Any("email", e.To))
		}
	})
	if err != nil {
		log.Fatal("failed to subscribe to change events", zap.Error(err))
	}

	avatars := caches.NewAvatarCache(cfg.ProfileBaseURL,
		&http.Client{Timeout: cfg.AvatarTimeout}, cfg.AvatarWarmWorkers, log)
	newcomers := caches.NewNewcomerCache(pool, cfg.WelcomeInterval, cfg.WelcomeRefresh, log)

	users := models.NewUserStore(pool, changes, changes, avatars, publisher, log)

	log.Info("worker started")

	warm := func() {
		handles, err := users.Handles(ctx)
		if err != nil {
			log.Error("failed to list user handles", zap.Error(err))
			return
		}
		avatars.WarmAll(ctx, handles)

		list, err := newcomers.List(ctx)
		if err != nil {
			log.Error("failed to compute newcomers", zap.Error(err))
			return
		}
		log.Info("newcomer aggregate refreshed", zap.Int("count", len(list)))
	}
	warm()

	warmTicker := time.NewTicker(cfg.WarmInterval)
	defer warmTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-warmTicker.C:
			warm()
		case <-sigCh:
			log.Info("shutting down...")
			cancel()
			return
		}
	}
}
