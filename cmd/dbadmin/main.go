package main

import (
	"context"
	"flag"

	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/changelog"
	"github.com/newsroom-cms/backend/internal/config"
	"github.com/newsroom-cms/backend/internal/db"
	"github.com/newsroom-cms/backend/internal/docstore"
	"github.com/newsroom-cms/backend/internal/models"
)

func main() {
	drop := flag.Bool("drop", false, "drop all entity tables instead of provisioning them")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx := context.Background()

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

	schemas := []docstore.Schema{
		models.BlogSchema,
		models.ArticleSchema(cfg.Languages),
		models.UserSchema,
		models.ConfigSchema,
		changelog.Schema,
	}

	if *drop {
		if err := docstore.Retract(ctx, pool, schemas, log); err != nil {
			log.Fatal("failed to drop schemas", zap.Error(err))
		}
		log.Info("all schemas dropped")
		return
	}

	if err := docstore.Provision(ctx, pool, schemas, log); err != nil {
		log.Fatal("failed to provision schemas", zap.Error(err))
	}
	log.Info("all schemas provisioned")
}
