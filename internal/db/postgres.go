package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolSettings sizes the document-store connection pool. Zero values fall
// back to defaults suited to the store's short jsonb round trips.
type PoolSettings struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (s PoolSettings) withDefaults() PoolSettings {
	if s.MaxConns <= 0 {
		s.MaxConns = 16
	}
	if s.MinConns < 0 || s.MinConns > s.MaxConns {
		s.MinConns = 0
	}
	if s.MaxConnLifetime <= 0 {
		s.MaxConnLifetime = 30 * time.Minute
	}
	if s.MaxConnIdleTime <= 0 {
		s.MaxConnIdleTime = 5 * time.Minute
	}
	return s
}

// NewPostgresPool opens the document-store pool and verifies connectivity
// before anything is built on top of it.
func NewPostgresPool(ctx context.Context, dsn string, settings PoolSettings, log *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	settings = settings.withDefaults()
	cfg.MaxConns = settings.MaxConns
	cfg.MinConns = settings.MinConns
	cfg.MaxConnLifetime = settings.MaxConnLifetime
	cfg.MaxConnIdleTime = settings.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("document store connected",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("max_conns", settings.MaxConns))
	return pool, nil
}
