package storage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upsertBTCUSDSQL = `INSERT INTO "pairExchanges" ("id", "from", "to", "fromTo", "exchange", "latest", "yesterdayVolume", "oldestDayAgo", "hasHistoryFor1Year", "hasHistoryFor30LastDays") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO UPDATE SET "from" = EXCLUDED."from", "to" = EXCLUDED."to", "fromTo" = EXCLUDED."fromTo", "exchange" = EXCLUDED."exchange", "latest" = EXCLUDED."latest", "yesterdayVolume" = EXCLUDED."yesterdayVolume", "oldestDayAgo" = EXCLUDED."oldestDayAgo", "hasHistoryFor1Year" = EXCLUDED."hasHistoryFor1Year", "hasHistoryFor30LastDays" = EXCLUDED."hasHistoryFor30LastDays";`

func btcUSDKraken() PairExchange {
	return PairExchange{
		From:                    "BTC",
		To:                      "USD",
		Exchange:                "Kraken",
		Latest:                  42000.5,
		YesterdayVolume:         1250.75,
		OldestDayAgo:            365,
		HasHistoryFor1Year:      true,
		HasHistoryFor30LastDays: true,
	}
}

func TestUpsertBatchEmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	require.NoError(t, store.PairExchanges.UpsertBatch(context.Background(), nil))
	require.NoError(t, store.PairExchanges.UpsertBatch(context.Background(), []PairExchange{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchDerivesIDAndIsRepeatable(t *testing.T) {
	store, mock := newMockStore(t)

	args := []any{"BTC_USD_KRAKEN", "BTC", "USD", "BTC_USD", "Kraken", 42000.5, 1250.75, 365, true, true}
	for range 2 {
		mock.ExpectExec(regexp.QuoteMeta(upsertBTCUSDSQL)).
			WithArgs(args...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	rows := []PairExchange{btcUSDKraken()}
	require.NoError(t, store.PairExchanges.UpsertBatch(context.Background(), rows))
	require.NoError(t, store.PairExchanges.UpsertBatch(context.Background(), rows))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, rows[0].ID, "caller rows must not be mutated")
}

func TestNormalizedUppercasesGivenID(t *testing.T) {
	row := btcUSDKraken()
	row.ID = "btc_usd_kraken"

	normalized := row.normalized()
	assert.Equal(t, "BTC_USD_KRAKEN", normalized.ID)
	assert.Equal(t, "BTC_USD", normalized.FromTo)
}

func TestUpsertBatchOptionalColumnsFollowFirstRow(t *testing.T) {
	first := btcUSDKraken()
	first.LatestDate = fixedNow
	first.HistoDaily = json.RawMessage(`[{"time":1,"close":2}]`)
	second := btcUSDKraken()
	second.Exchange = "Bitstamp"

	fields := upsertShape(first)
	assert.Contains(t, fields, FieldLatestDate)
	assert.Contains(t, fields, FieldHistoDaily)
	assert.NotContains(t, fields, FieldHistoHourly)

	sql, args := buildUpsertSQL(fields, []PairExchange{first.normalized(), second.normalized()})
	assert.Contains(t, sql, `($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12), ($13,`)
	require.Len(t, args, 24)
	assert.Equal(t, fixedNow, args[10])
	assert.Equal(t, []byte(`[{"time":1,"close":2}]`), args[11])
	assert.Nil(t, args[22], "unset latestDate is written as NULL")
	assert.Nil(t, args[23], "missing history is written as NULL")
}

func TestUpsertBatchChunksLargeBatches(t *testing.T) {
	store, mock := newMockStore(t)

	chunk := maxBindParams / len(requiredUpsertFields)
	rows := make([]PairExchange, chunk+1)
	for i := range rows {
		rows[i] = btcUSDKraken()
		rows[i].Exchange = "EX" + strconv.Itoa(i)
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "pairExchanges"`)).
		WithArgs(anyArgs(chunk * len(requiredUpsertFields))...).
		WillReturnResult(pgxmock.NewResult("INSERT", int64(chunk)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "pairExchanges"`)).
		WithArgs(anyArgs(len(requiredUpsertFields))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PairExchanges.UpsertBatch(context.Background(), rows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchCollapsesDuplicateIDs(t *testing.T) {
	store, mock := newMockStore(t)

	first := btcUSDKraken()
	first.ID = "btc_usd_kraken"
	eth := btcUSDKraken()
	eth.From = "ETH"
	last := btcUSDKraken()
	last.ID = "BTC_USD_KRAKEN"
	last.Latest = 1

	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10), ($11,`)).
		WithArgs(
			"BTC_USD_KRAKEN", "BTC", "USD", "BTC_USD", "Kraken", 1.0, 1250.75, 365, true, true,
			"ETH_USD_KRAKEN", "ETH", "USD", "ETH_USD", "Kraken", 42000.5, 1250.75, 365, true, true,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, store.PairExchanges.UpsertBatch(context.Background(), []PairExchange{first, eth, last}))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, "btc_usd_kraken", first.ID, "caller rows must not be mutated")
}

func TestUpsertBatchWrapsQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "pairExchanges"`)).
		WithArgs(anyArgs(len(requiredUpsertFields))...).
		WillReturnError(errors.New("value too long for type character varying(25)"))

	err := store.PairExchanges.UpsertBatch(context.Background(), []PairExchange{btcUSDKraken()})
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "upsert pair exchanges", qerr.Op)
	assert.Equal(t, "BTC_USD_KRAKEN", qerr.Key)
}

func TestUpdateLiveRatesRecordsCheckpoint(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" AS t SET latest = v.latest, "latestDate" = $3`)).
		WithArgs([]string{"BTC_USD_KRAKEN", "ETH_USD_KRAKEN"}, []float64{42100, 2300.25}, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO meta (id, "lastLiveRatesSync") VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET "lastLiveRatesSync" = EXCLUDED."lastLiveRatesSync";`)).
		WithArgs(MetaID, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.PairExchanges.UpdateLiveRates(context.Background(), []LiveRate{
		{PairExchangeID: "btc_usd_kraken", Price: 42000},
		{PairExchangeID: "ETH_USD_KRAKEN", Price: 2300.25},
		{PairExchangeID: "BTC_USD_KRAKEN", Price: 42100},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLiveRatesEmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	require.NoError(t, store.PairExchanges.UpdateLiveRates(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement and no checkpoint expected")
}

func TestUpdateLiveRatesReportsStaleCheckpoint(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" AS t`)).
		WithArgs([]string{"BTC_USD_KRAKEN"}, []float64{1}, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO meta`)).
		WithArgs(MetaID, fixedNow).
		WillReturnError(errors.New("relation \"meta\" does not exist"))

	err := store.PairExchanges.UpdateLiveRates(context.Background(), []LiveRate{{PairExchangeID: "BTC_USD_KRAKEN", Price: 1}})
	var cerr *CheckpointError
	require.ErrorAs(t, err, &cerr)
	var qerr *QueryError
	assert.ErrorAs(t, err, &qerr, "checkpoint error keeps the failing query")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLiveRatesSkipsCheckpointOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" AS t`)).
		WithArgs([]string{"BTC_USD_KRAKEN"}, []float64{1}, fixedNow).
		WillReturnError(errors.New("deadlock detected"))

	err := store.PairExchanges.UpdateLiveRates(context.Background(), []LiveRate{{PairExchangeID: "BTC_USD_KRAKEN", Price: 1}})
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	var cerr *CheckpointError
	assert.False(t, errors.As(err, &cerr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHistoTouchesOneColumn(t *testing.T) {
	store, mock := newMockStore(t)

	histo := json.RawMessage(`[{"time":1700000000,"open":1,"high":2,"low":0.5,"close":1.5}]`)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" SET "histoHourly" = $1 WHERE id = $2;`)).
		WithArgs([]byte(histo), "BTC_USD_KRAKEN").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.PairExchanges.UpdateHisto(context.Background(), "btc_usd_kraken", GranularityHourly, histo))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHistoMissingRowIsNotAnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" SET "histoDaily" = $1 WHERE id = $2;`)).
		WithArgs([]byte(`[]`), "NOPE_USD_KRAKEN").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.PairExchanges.UpdateHisto(context.Background(), "NOPE_USD_KRAKEN", GranularityDaily, json.RawMessage(`[]`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHistoRejectsUnknownGranularity(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.PairExchanges.UpdateHisto(context.Background(), "BTC_USD_KRAKEN", Granularity("minute"), nil)
	assert.ErrorIs(t, err, ErrUnknownGranularity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExchangeNames(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" AS t SET exchange = v.exchange`)).
		WithArgs([]string{"BTC_USD_KRAKEN"}, []string{"Kraken Pro"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.PairExchanges.UpdateExchangeNames(context.Background(), []ExchangeName{{ID: "btc_usd_kraken", Name: "Kraken Pro"}}))
	require.NoError(t, store.PairExchanges.UpdateExchangeNames(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatsWritesPatchedColumns(t *testing.T) {
	store, mock := newMockStore(t)

	var patch Patch
	require.NoError(t, patch.Set(FieldYesterdayVolume, 99.5))
	require.NoError(t, patch.Set(FieldHasHistoryFor1Year, false))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pairExchanges" SET "yesterdayVolume" = $1, "hasHistoryFor1Year" = $2 WHERE id = $3;`)).
		WithArgs(99.5, false, "BTC_USD_KRAKEN").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.PairExchanges.UpdateStats(context.Background(), "BTC_USD_KRAKEN", patch))
	require.NoError(t, store.PairExchanges.UpdateStats(context.Background(), "BTC_USD_KRAKEN", Patch{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryIDs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectPairExchangeIDsSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("BTC_USD_KRAKEN").AddRow("ETH_USD_KRAKEN"))

	ids, err := store.PairExchanges.QueryIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC_USD_KRAKEN", "ETH_USD_KRAKEN"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryIDsEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectPairExchangeIDsSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	ids, err := store.PairExchanges.QueryIDs(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestQueryByCompositeKeysRanksResult(t *testing.T) {
	store, mock := newMockStore(t)

	eth := PairExchange{ID: "ETH_USD_KRAKEN", From: "ETH", To: "USD", FromTo: "ETH_USD", Exchange: "Kraken", YesterdayVolume: 500}
	btc := PairExchange{ID: "BTC_USD_KRAKEN", From: "BTC", To: "USD", FromTo: "BTC_USD", Exchange: "Kraken", YesterdayVolume: 100, HasHistoryFor1Year: true}

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = ANY($1) OR (UPPER("from") || '_' || UPPER("to")) = ANY($2);`)).
		WithArgs([]string{"BTC_USD_KRAKEN"}, []string{"ETH_USD"}).
		WillReturnRows(pairExchangeRows(eth, btc))

	result, err := store.PairExchanges.QueryByCompositeKeys(context.Background(), []CompositeKey{
		{From: "btc", To: "usd", Exchange: "kraken"},
		{From: "eth", To: "usd"},
	})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "BTC_USD_KRAKEN", result[0].ID)
	assert.Equal(t, "ETH_USD_KRAKEN", result[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByCompositeKeysEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	result, err := store.PairExchanges.QueryByCompositeKeys(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Empty(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByPairFiltersOnHistory(t *testing.T) {
	store, mock := newMockStore(t)

	row := PairExchange{
		ID: "BTC_USD_KRAKEN", From: "BTC", To: "USD", FromTo: "BTC_USD", Exchange: "Kraken",
		Latest: 42000, LatestDate: fixedNow, HasHistoryFor30LastDays: true,
		HistoDaily: json.RawMessage(`[{"time":1}]`),
	}
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE UPPER("from") = $1 AND UPPER("to") = $2 AND "hasHistoryFor30LastDays" = TRUE;`)).
		WithArgs("BTC", "USD").
		WillReturnRows(pairExchangeRows(row))

	result, err := store.PairExchanges.QueryByPair(context.Background(), "BTC", "USD", PairQueryOptions{FilterWithHistory: true})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, fixedNow, result[0].LatestDate)
	assert.JSONEq(t, `[{"time":1}]`, string(result[0].HistoDaily))
	assert.Nil(t, result[0].HistoHourly)
	assert.True(t, result[0].HistoryLoadedAtDaily.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByPairIgnoresCase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE UPPER("from") = $1 AND UPPER("to") = $2;`)).
		WithArgs("DOGE", "EUR").
		WillReturnRows(pairExchangeRows())

	result, err := store.PairExchanges.QueryByPair(context.Background(), " doge", "Eur", PairQueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByID(t *testing.T) {
	store, mock := newMockStore(t)

	row := btcUSDKraken().normalized()
	mock.ExpectQuery(regexp.QuoteMeta(selectPairExchangeByIDSQL)).
		WithArgs("BTC_USD_KRAKEN").
		WillReturnRows(pairExchangeRows(row))
	mock.ExpectQuery(regexp.QuoteMeta(selectPairExchangeByIDSQL)).
		WithArgs("MISSING").
		WillReturnRows(pairExchangeRows())

	got, found, err := store.PairExchanges.QueryByID(context.Background(), "btc_usd_kraken")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, row, got)

	_, found, err = store.PairExchanges.QueryByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusReportsEmptyStore(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(countPairExchangesSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta(selectMetaSQL)).
		WithArgs(MetaID).
		WillReturnRows(pgxmock.NewRows([]string{"lastMarketCapSync", "lastLiveRatesSync"}))

	status, err := store.Status(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, int64(0), status.PairExchanges)
	assert.Equal(t, Epoch, status.Meta.LastLiveRatesSync)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus(t *testing.T) {
	store, mock := newMockStore(t)

	synced := fixedNow.Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(countPairExchangesSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta(selectMetaSQL)).
		WithArgs(MetaID).
		WillReturnRows(pgxmock.NewRows([]string{"lastMarketCapSync", "lastLiveRatesSync"}).AddRow((*time.Time)(nil), &synced))

	status, err := store.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.PairExchanges)
	assert.Equal(t, Epoch, status.Meta.LastMarketCapSync)
	assert.Equal(t, synced, status.Meta.LastLiveRatesSync)
}

func TestNilStoreNotConfigured(t *testing.T) {
	var store *Store
	_, err := store.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, store.InitSchema(context.Background()), ErrNotConfigured)

	_, _, err = NewStore(nil, testLogger()).TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}
