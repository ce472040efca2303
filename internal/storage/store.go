package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"pricestore/internal/config"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
// Connections are opened lazily on first use.
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
		return nil, &ConnectionError{Op: "create pgx pool", Err: err}
	}

	return pool, nil
}

// Store aggregates the repositories sharing one executor.
type Store struct {
	pool   *pgxpool.Pool
	exec   Executor
	logger zerolog.Logger

	Meta          *MetaTracker
	PairExchanges *PairExchangeRepository
	MarketCaps    *MarketCapRepository
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	var exec Executor
	if pool != nil {
		exec = pool
	}
	s := NewStoreWithExecutor(exec, logger)
	s.pool = pool
	return s
}

// NewStoreWithExecutor builds a Store over any Executor. Advisory locks need a
// pool and report ErrNotConfigured on such a Store.
func NewStoreWithExecutor(exec Executor, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "storage").Logger()
	meta := NewMetaTracker(exec, logger)
	return &Store{
		exec:          exec,
		logger:        logger,
		Meta:          meta,
		PairExchanges: NewPairExchangeRepository(exec, meta, logger),
		MarketCaps:    NewMarketCapRepository(exec, meta, logger),
	}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InitSchema creates the relations if they are missing.
func (s *Store) InitSchema(ctx context.Context) error {
	if s == nil || s.exec == nil {
		return ErrNotConfigured
	}
	return InitSchema(ctx, s.exec, s.logger)
}

// Status summarises the stored data.
type Status struct {
	PairExchanges int64
	Meta          Meta
}

// Status counts pair exchanges and reads the checkpoints. It returns ErrEmpty
// alongside the summary when nothing has been ingested.
func (s *Store) Status(ctx context.Context) (Status, error) {
	if s == nil || s.exec == nil {
		return Status{}, ErrNotConfigured
	}

	count, err := s.PairExchanges.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	meta, err := s.Meta.GetMeta(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{PairExchanges: count, Meta: meta}
	if count == 0 {
		return status, ErrEmpty
	}
	return status, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, wrapError("acquire connection", "", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, wrapError("try advisory lock", fmt.Sprint(key), err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

var (
	_ PairExchangeStore = (*PairExchangeRepository)(nil)
	_ MetaReader        = (*MetaTracker)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
	_ Executor          = (*pgxpool.Pool)(nil)
)
