// Package store provides access to the points database and the
// TimescaleDB readings database over pgx connection pools.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/log"
)

// Store wraps a pgx pool over the points database.
type Store struct {
	pool *pgxpool.Pool
}

// Connect dials the configured database and verifies the connection,
// retrying with exponential backoff until ctx is done.
func Connect(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func newPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: initialize pool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	operation := func() (struct{}, error) {
		if err := pool.Ping(ctx); err != nil {
			log.Warn("Database not ready, retrying", "host", cfg.Host, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	log.Info("Connected to database", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name)
	return pool, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
