package storage

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, time.March, 9, 12, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create pgx mock")
	t.Cleanup(mock.Close)

	store := NewStoreWithExecutor(mock, zerolog.Nop())
	store.PairExchanges.now = func() time.Time { return fixedNow }
	store.MarketCaps.now = func() time.Time { return fixedNow }
	return store, mock
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func ptr[T any](v T) *T { return &v }

var pairExchangeColumnNames = []string{
	"id", "from", "to", "fromTo", "exchange", "latest", "latestDate", "yesterdayVolume",
	"oldestDayAgo", "hasHistoryFor1Year", "hasHistoryFor30LastDays",
	"historyLoadedAtDaily", "historyLoadedAtHourly", "histoDaily", "histoHourly",
}

// pairExchangeRow renders p the way the driver hands a stored row back.
func pairExchangeRow(p PairExchange) []any {
	timeOrNil := func(t time.Time) *time.Time {
		if t.IsZero() {
			return nil
		}
		return &t
	}
	return []any{
		p.ID,
		ptr(p.From),
		ptr(p.To),
		ptr(p.FromTo),
		ptr(p.Exchange),
		ptr(p.Latest),
		timeOrNil(p.LatestDate),
		ptr(p.YesterdayVolume),
		ptr(int32(p.OldestDayAgo)),
		ptr(p.HasHistoryFor1Year),
		ptr(p.HasHistoryFor30LastDays),
		timeOrNil(p.HistoryLoadedAtDaily),
		timeOrNil(p.HistoryLoadedAtHourly),
		[]byte(p.HistoDaily),
		[]byte(p.HistoHourly),
	}
}

func pairExchangeRows(rows ...PairExchange) *pgxmock.Rows {
	result := pgxmock.NewRows(pairExchangeColumnNames)
	for _, p := range rows {
		result.AddRow(pairExchangeRow(p)...)
	}
	return result
}
