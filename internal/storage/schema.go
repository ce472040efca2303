package storage

import (
	"context"

	"github.com/rs/zerolog"
)

const (
	createPairExchangesSQL = `CREATE TABLE IF NOT EXISTS "pairExchanges" (
        "from" VARCHAR(25),
        "to" VARCHAR(25),
        "fromTo" VARCHAR(51),
        exchange VARCHAR(50),
        id VARCHAR(102) PRIMARY KEY,
        latest DOUBLE PRECISION,
        "latestDate" TIMESTAMPTZ,
        "yesterdayVolume" DOUBLE PRECISION,
        "oldestDayAgo" INTEGER,
        "hasHistoryFor1Year" BOOLEAN,
        "hasHistoryFor30LastDays" BOOLEAN,
        "historyLoadedAtDaily" TIMESTAMPTZ,
        "historyLoadedAtHourly" TIMESTAMPTZ,
        "histoDaily" JSONB,
        "histoHourly" JSONB
    );`

	createMarketCapCoinsSQL = `CREATE TABLE IF NOT EXISTS "marketcapCoins" (
        day TIMESTAMP PRIMARY KEY,
        coins VARCHAR(25)[]
    );`

	createMetaSQL = `CREATE TABLE IF NOT EXISTS meta (
        id VARCHAR(50) PRIMARY KEY,
        "lastMarketCapSync" TIMESTAMPTZ,
        "lastLiveRatesSync" TIMESTAMPTZ
    );`
)

var schemaStatements = []struct {
	relation string
	sql      string
}{
	{relation: "pairExchanges", sql: createPairExchangesSQL},
	{relation: "marketcapCoins", sql: createMarketCapCoinsSQL},
	{relation: "meta", sql: createMetaSQL},
}

// InitSchema creates the relations if they are missing. It is safe to call on
// every start; a returned error means the process must not continue.
func InitSchema(ctx context.Context, exec Executor, logger zerolog.Logger) error {
	if exec == nil {
		return ErrNotConfigured
	}
	for _, stmt := range schemaStatements {
		if _, err := exec.Exec(ctx, stmt.sql); err != nil {
			return wrapError("init schema", stmt.relation, err)
		}
		logger.Info().Str("relation", stmt.relation).Msg("schema ensured")
	}
	return nil
}
