package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	upsertMarketCapCoinsSQL = `INSERT INTO "marketcapCoins" (day, coins)
    VALUES ($1, $2)
    ON CONFLICT (day) DO UPDATE
    SET coins = EXCLUDED.coins;`

	selectMarketCapCoinsSQL = `SELECT coins FROM "marketcapCoins" WHERE day = $1;`
)

// MarketCapRepository owns the daily market-cap snapshots.
type MarketCapRepository struct {
	exec   Executor
	meta   *MetaTracker
	logger zerolog.Logger
	now    func() time.Time
}

// NewMarketCapRepository wires an executor and the checkpoint tracker.
func NewMarketCapRepository(exec Executor, meta *MetaTracker, logger zerolog.Logger) *MarketCapRepository {
	return &MarketCapRepository{
		exec:   exec,
		meta:   meta,
		logger: logger.With().Str("component", "marketcap").Logger(),
		now:    time.Now,
	}
}

// UpdateCoinsForDay replaces the ranking of day and records the market-cap
// checkpoint. A *CheckpointError means the ranking was stored but the checkpoint is stale.
func (r *MarketCapRepository) UpdateCoinsForDay(ctx context.Context, day time.Time, coins []string) error {
	day = NormalizeDay(day)
	if coins == nil {
		coins = []string{}
	}

	key := day.Format(time.DateOnly)
	if _, err := r.exec.Exec(ctx, upsertMarketCapCoinsSQL, day, coins); err != nil {
		return wrapError("update marketcap coins", key, err)
	}
	r.logger.Debug().Str("day", key).Int("coins", len(coins)).Msg("marketcap coins updated")

	now := r.now().UTC()
	if err := r.meta.SetMeta(ctx, MetaPatch{LastMarketCapSync: &now}); err != nil {
		return &CheckpointError{Op: "update marketcap coins", Err: err}
	}
	return nil
}

// QueryCoinsForDay returns the ranking of day; found is false when no snapshot exists.
func (r *MarketCapRepository) QueryCoinsForDay(ctx context.Context, day time.Time) ([]string, bool, error) {
	day = NormalizeDay(day)

	var coins []string
	err := r.exec.QueryRow(ctx, selectMarketCapCoinsSQL, day).Scan(&coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapError("query marketcap coins", day.Format(time.DateOnly), err)
	}
	if coins == nil {
		coins = []string{}
	}
	return coins, true, nil
}
