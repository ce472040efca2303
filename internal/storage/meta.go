package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const selectMetaSQL = `SELECT "lastMarketCapSync", "lastLiveRatesSync" FROM meta WHERE id = $1;`

// MetaReader exposes the checkpoints to read-only consumers.
type MetaReader interface {
	GetMeta(ctx context.Context) (Meta, error)
}

// MetaTracker maintains the singleton checkpoint row.
type MetaTracker struct {
	exec   Executor
	logger zerolog.Logger
}

// NewMetaTracker wires an executor into a MetaTracker.
func NewMetaTracker(exec Executor, logger zerolog.Logger) *MetaTracker {
	return &MetaTracker{exec: exec, logger: logger.With().Str("component", "meta").Logger()}
}

// SetMeta writes the supplied checkpoints, creating the row on first use.
// Checkpoints absent from the patch keep their stored value.
func (m *MetaTracker) SetMeta(ctx context.Context, patch MetaPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	columns := []string{"id"}
	args := []any{MetaID}
	if patch.LastMarketCapSync != nil {
		columns = append(columns, `"lastMarketCapSync"`)
		args = append(args, *patch.LastMarketCapSync)
	}
	if patch.LastLiveRatesSync != nil {
		columns = append(columns, `"lastLiveRatesSync"`)
		args = append(args, *patch.LastLiveRatesSync)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO meta (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	writePlaceholders(&b, 1, len(columns))
	b.WriteString(") ON CONFLICT (id) DO UPDATE SET ")
	for i, col := range columns[1:] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col + " = EXCLUDED." + col)
	}
	b.WriteString(";")

	if _, err := m.exec.Exec(ctx, b.String(), args...); err != nil {
		return wrapError("set meta", MetaID, err)
	}
	m.logger.Debug().Strs("columns", columns[1:]).Msg("checkpoint recorded")
	return nil
}

// GetMeta returns the checkpoints, reporting Epoch for any never recorded.
func (m *MetaTracker) GetMeta(ctx context.Context) (Meta, error) {
	meta := Meta{LastMarketCapSync: Epoch, LastLiveRatesSync: Epoch}

	var marketCap, liveRates *time.Time
	err := m.exec.QueryRow(ctx, selectMetaSQL, MetaID).Scan(&marketCap, &liveRates)
	if errors.Is(err, pgx.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return Meta{}, wrapError("get meta", MetaID, err)
	}

	if marketCap != nil {
		meta.LastMarketCapSync = *marketCap
	}
	if liveRates != nil {
		meta.LastLiveRatesSync = *liveRates
	}
	return meta, nil
}
