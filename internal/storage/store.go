package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gold-rate-alerts/internal/config"
	"gold-rate-alerts/internal/model"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

// ObservationStore is the persistence boundary for the history pipeline.
// All operations are atomic at the single-record level.
type ObservationStore interface {
	InsertObservation(ctx context.Context, obs model.Observation) (model.Observation, error)
	LatestObservation(ctx context.Context, key string) (*model.Observation, error)
	ListObservations(ctx context.Context, key string, limit int) ([]model.Observation, error)
	DeleteOlderThanTopK(ctx context.Context, key string, k int) (int64, error)
	ListInstrumentKeys(ctx context.Context) ([]string, error)
}

// SubscriptionStore is the persistence boundary for alerting state.
// TouchNotified and ClearDeliveryToken write only their own columns so the
// dispatcher never overwrites settings changed since its snapshot was read.
type SubscriptionStore interface {
	FindSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	ListEnabledSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SaveSubscription(ctx context.Context, sub model.Subscription) error
	TouchNotified(ctx context.Context, userID string, at time.Time) error
	ClearDeliveryToken(ctx context.Context, userID string) error
}

// AdvisoryLocker exposes advisory lock helpers for single-flight cycles.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations and subscriptions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func. Used to keep a collection cycle single-flight across
// replicas.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

var (
	_ ObservationStore  = (*Store)(nil)
	_ SubscriptionStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
