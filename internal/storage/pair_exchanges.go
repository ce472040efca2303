package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// maxBindParams is the PostgreSQL limit on parameters in one statement.
const maxBindParams = 65535

const (
	pairExchangeColumns = `id, "from", "to", "fromTo", exchange, latest, "latestDate", "yesterdayVolume", "oldestDayAgo", "hasHistoryFor1Year", "hasHistoryFor30LastDays", "historyLoadedAtDaily", "historyLoadedAtHourly", "histoDaily", "histoHourly"`

	updateLiveRatesSQL = `UPDATE "pairExchanges" AS t
    SET latest = v.latest, "latestDate" = $3
    FROM unnest($1::text[], $2::float8[]) AS v(id, latest)
    WHERE t.id = v.id;`

	updateExchangeNamesSQL = `UPDATE "pairExchanges" AS t
    SET exchange = v.exchange
    FROM unnest($1::text[], $2::text[]) AS v(id, exchange)
    WHERE t.id = v.id;`

	selectPairExchangeIDsSQL = `SELECT id FROM "pairExchanges";`

	selectPairExchangesByKeysSQL = `SELECT ` + pairExchangeColumns + `
    FROM "pairExchanges"
    WHERE id = ANY($1) OR (UPPER("from") || '_' || UPPER("to")) = ANY($2);`

	selectPairExchangesByPairSQL = `SELECT ` + pairExchangeColumns + `
    FROM "pairExchanges"
    WHERE UPPER("from") = $1 AND UPPER("to") = $2`

	selectPairExchangeByIDSQL = `SELECT ` + pairExchangeColumns + `
    FROM "pairExchanges"
    WHERE id = $1;`

	countPairExchangesSQL = `SELECT COUNT(*) FROM "pairExchanges";`
)

// requiredUpsertFields are written by every ingestion; optional columns join
// the statement only when the first row of the batch sets them.
var requiredUpsertFields = []Field{
	FieldID,
	FieldFrom,
	FieldTo,
	FieldFromTo,
	FieldExchange,
	FieldLatest,
	FieldYesterdayVolume,
	FieldOldestDayAgo,
	FieldHasHistoryFor1Year,
	FieldHasHistoryFor30LastDays,
}

// PairExchangeStore defines operations for pair exchange persistence.
type PairExchangeStore interface {
	UpsertBatch(ctx context.Context, rows []PairExchange) error
	UpdateLiveRates(ctx context.Context, rates []LiveRate) error
	UpdateHisto(ctx context.Context, id string, granularity Granularity, histo json.RawMessage) error
	UpdateExchangeNames(ctx context.Context, names []ExchangeName) error
	UpdateStats(ctx context.Context, id string, patch Patch) error
	QueryIDs(ctx context.Context) ([]string, error)
	QueryByCompositeKeys(ctx context.Context, keys []CompositeKey) ([]PairExchange, error)
	QueryByPair(ctx context.Context, from, to string, opts PairQueryOptions) ([]PairExchange, error)
	QueryByID(ctx context.Context, id string) (PairExchange, bool, error)
}

// PairExchangeRepository owns the pairExchanges relation.
type PairExchangeRepository struct {
	exec   Executor
	meta   *MetaTracker
	logger zerolog.Logger
	now    func() time.Time
}

// NewPairExchangeRepository wires an executor and the checkpoint tracker.
func NewPairExchangeRepository(exec Executor, meta *MetaTracker, logger zerolog.Logger) *PairExchangeRepository {
	return &PairExchangeRepository{
		exec:   exec,
		meta:   meta,
		logger: logger.With().Str("component", "pair_exchanges").Logger(),
		now:    time.Now,
	}
}

// UpsertBatch inserts rows or overwrites every inserted column of existing ones.
// The first row decides which optional columns the batch writes.
func (r *PairExchangeRepository) UpsertBatch(ctx context.Context, rows []PairExchange) error {
	if len(rows) == 0 {
		return nil
	}

	fields := upsertShape(rows[0])
	chunkSize := maxBindParams / len(fields)
	rows = dedupeRows(rows)

	r.logger.Debug().Int("rows", len(rows)).Int("columns", len(fields)).Msg("upsert pair exchanges started")
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		sql, args := buildUpsertSQL(fields, chunk)
		if _, err := r.exec.Exec(ctx, sql, args...); err != nil {
			return wrapError("upsert pair exchanges", chunk[0].ID, err)
		}
	}
	r.logger.Debug().Int("rows", len(rows)).Msg("upsert pair exchanges finished")
	return nil
}

// dedupeRows normalizes rows and keeps the last row per id at the position
// the id was first seen. ON CONFLICT DO UPDATE cannot touch a row twice in one statement.
func dedupeRows(rows []PairExchange) []PairExchange {
	index := make(map[string]int, len(rows))
	out := make([]PairExchange, 0, len(rows))
	for _, row := range rows {
		row = row.normalized()
		if i, ok := index[row.ID]; ok {
			out[i] = row
			continue
		}
		index[row.ID] = len(out)
		out = append(out, row)
	}
	return out
}

func upsertShape(first PairExchange) []Field {
	fields := append([]Field(nil), requiredUpsertFields...)
	if !first.LatestDate.IsZero() {
		fields = append(fields, FieldLatestDate)
	}
	if !first.HistoryLoadedAtDaily.IsZero() {
		fields = append(fields, FieldHistoryLoadedAtDaily)
	}
	if !first.HistoryLoadedAtHourly.IsZero() {
		fields = append(fields, FieldHistoryLoadedAtHourly)
	}
	if first.HistoDaily != nil {
		fields = append(fields, FieldHistoDaily)
	}
	if first.HistoHourly != nil {
		fields = append(fields, FieldHistoHourly)
	}
	return fields
}

func buildUpsertSQL(fields []Field, rows []PairExchange) (string, []any) {
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.column()
	}

	args := make([]any, 0, len(fields)*len(rows))
	var b strings.Builder
	b.WriteString(`INSERT INTO "pairExchanges" (`)
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		writePlaceholders(&b, len(args)+1, len(fields))
		b.WriteString(")")
		for _, f := range fields {
			args = append(args, row.value(f))
		}
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	for i, col := range columns[1:] {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col + " = EXCLUDED." + col)
	}
	b.WriteString(";")
	return b.String(), args
}

func writePlaceholders(b *strings.Builder, first, count int) {
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$" + strconv.Itoa(first+i))
	}
}

// UpdateLiveRates sets latest and latestDate for each rate, then records the
// live-rates checkpoint. The two statements are not atomic: a *CheckpointError
// means the rates were stored but the checkpoint is stale.
func (r *PairExchangeRepository) UpdateLiveRates(ctx context.Context, rates []LiveRate) error {
	if len(rates) == 0 {
		return nil
	}

	ids, prices := dedupeRates(rates)
	now := r.now().UTC()

	r.logger.Debug().Int("rates", len(ids)).Msg("update live rates started")
	if _, err := r.exec.Exec(ctx, updateLiveRatesSQL, ids, prices, now); err != nil {
		return wrapError("update live rates", ids[0], err)
	}
	r.logger.Debug().Int("rates", len(ids)).Msg("update live rates finished")

	if err := r.meta.SetMeta(ctx, MetaPatch{LastLiveRatesSync: &now}); err != nil {
		return &CheckpointError{Op: "update live rates", Err: err}
	}
	return nil
}

// dedupeRates keeps the last price per id so one statement never matches a row twice.
func dedupeRates(rates []LiveRate) ([]string, []float64) {
	index := make(map[string]int, len(rates))
	ids := make([]string, 0, len(rates))
	prices := make([]float64, 0, len(rates))
	for _, rate := range rates {
		id := NormalizeID(rate.PairExchangeID)
		if i, ok := index[id]; ok {
			prices[i] = rate.Price
			continue
		}
		index[id] = len(ids)
		ids = append(ids, id)
		prices = append(prices, rate.Price)
	}
	return ids, prices
}

// UpdateHisto replaces the history blob of one granularity.
func (r *PairExchangeRepository) UpdateHisto(ctx context.Context, id string, granularity Granularity, histo json.RawMessage) error {
	field, err := granularity.histoField()
	if err != nil {
		return err
	}

	id = NormalizeID(id)
	sql := fmt.Sprintf(`UPDATE "pairExchanges" SET %s = $1 WHERE id = $2;`, field.column())
	tag, err := r.exec.Exec(ctx, sql, nullJSON(histo), id)
	if err != nil {
		return wrapError("update histo "+string(granularity), id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug().Str("id", id).Str("granularity", string(granularity)).Msg("no pair exchange to update history for")
	}
	return nil
}

// UpdateExchangeNames rewrites only the exchange column of the named rows.
func (r *PairExchangeRepository) UpdateExchangeNames(ctx context.Context, names []ExchangeName) error {
	if len(names) == 0 {
		return nil
	}

	ids := make([]string, len(names))
	exchanges := make([]string, len(names))
	for i, n := range names {
		ids[i] = NormalizeID(n.ID)
		exchanges[i] = n.Name
	}

	if _, err := r.exec.Exec(ctx, updateExchangeNamesSQL, ids, exchanges); err != nil {
		return wrapError("update exchange names", ids[0], err)
	}
	r.logger.Debug().Int("rows", len(ids)).Msg("exchange names updated")
	return nil
}

// UpdateStats writes the patched columns of one row.
func (r *PairExchangeRepository) UpdateStats(ctx context.Context, id string, patch Patch) error {
	if patch.Len() == 0 {
		return nil
	}

	id = NormalizeID(id)
	args := make([]any, 0, patch.Len()+1)
	var b strings.Builder
	b.WriteString(`UPDATE "pairExchanges" SET `)
	for i, f := range patch.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.column() + " = $" + strconv.Itoa(i+1))
		args = append(args, patch.values[i])
	}
	b.WriteString(" WHERE id = $" + strconv.Itoa(patch.Len()+1) + ";")
	args = append(args, id)

	if _, err := r.exec.Exec(ctx, b.String(), args...); err != nil {
		return wrapError("update stats", id, err)
	}
	return nil
}

// QueryIDs lists every stored id in storage order.
func (r *PairExchangeRepository) QueryIDs(ctx context.Context) ([]string, error) {
	rows, err := r.exec.Query(ctx, selectPairExchangeIDsSQL)
	if err != nil {
		return nil, wrapError("query pair exchange ids", "", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapError("query pair exchange ids", "", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("query pair exchange ids", "", err)
	}
	return ids, nil
}

// QueryByCompositeKeys returns the rows matching any key, ranked by SortPairExchanges.
func (r *PairExchangeRepository) QueryByCompositeKeys(ctx context.Context, keys []CompositeKey) ([]PairExchange, error) {
	if len(keys) == 0 {
		return []PairExchange{}, nil
	}

	exact := make([]string, 0, len(keys))
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Exchange == "" {
			pairs = append(pairs, k.ID())
			continue
		}
		exact = append(exact, k.ID())
	}

	key := strings.Join(append(append([]string(nil), exact...), pairs...), ",")
	result, err := r.queryRows(ctx, "query pair exchanges by keys", key, selectPairExchangesByKeysSQL, exact, pairs)
	if err != nil {
		return nil, err
	}
	SortPairExchanges(result)
	return result, nil
}

// QueryByPair returns the rows quoting from/to on any exchange, ranked by SortPairExchanges.
// Symbols match case-insensitively, like the exchange-less composite keys.
func (r *PairExchangeRepository) QueryByPair(ctx context.Context, from, to string, opts PairQueryOptions) ([]PairExchange, error) {
	from, to = NormalizeID(from), NormalizeID(to)
	sql := selectPairExchangesByPairSQL
	if opts.FilterWithHistory {
		sql += ` AND "hasHistoryFor30LastDays" = TRUE`
	}

	result, err := r.queryRows(ctx, "query pair exchanges by pair", from+"/"+to, sql+";", from, to)
	if err != nil {
		return nil, err
	}
	SortPairExchanges(result)
	return result, nil
}

// QueryByID returns the row with the given id; found is false when none matches.
func (r *PairExchangeRepository) QueryByID(ctx context.Context, id string) (PairExchange, bool, error) {
	id = NormalizeID(id)
	p, err := scanPairExchange(r.exec.QueryRow(ctx, selectPairExchangeByIDSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug().Str("id", id).Msg("no pair exchange")
		return PairExchange{}, false, nil
	}
	if err != nil {
		return PairExchange{}, false, wrapError("query pair exchange by id", id, err)
	}
	return p, true, nil
}

// Count returns the number of stored pair exchanges.
func (r *PairExchangeRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.exec.QueryRow(ctx, countPairExchangesSQL).Scan(&count); err != nil {
		return 0, wrapError("count pair exchanges", "", err)
	}
	return count, nil
}

func (r *PairExchangeRepository) queryRows(ctx context.Context, op, key, sql string, args ...any) ([]PairExchange, error) {
	rows, err := r.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapError(op, key, err)
	}
	defer rows.Close()

	result := make([]PairExchange, 0)
	for rows.Next() {
		p, scanErr := scanPairExchange(rows)
		if scanErr != nil {
			return nil, wrapError(op, key, scanErr)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, key, err)
	}
	return result, nil
}

func scanPairExchange(row pgx.Row) (PairExchange, error) {
	var (
		p                          PairExchange
		from, to, fromTo, exchange *string
		latest, volume             *float64
		oldestDayAgo               *int32
		hasYear, has30Days         *bool
		latestDate                 *time.Time
		loadedDaily, loadedHourly  *time.Time
		histoDaily, histoHourly    []byte
	)

	if err := row.Scan(
		&p.ID,
		&from,
		&to,
		&fromTo,
		&exchange,
		&latest,
		&latestDate,
		&volume,
		&oldestDayAgo,
		&hasYear,
		&has30Days,
		&loadedDaily,
		&loadedHourly,
		&histoDaily,
		&histoHourly,
	); err != nil {
		return PairExchange{}, err
	}

	p.From = deref(from)
	p.To = deref(to)
	p.FromTo = deref(fromTo)
	p.Exchange = deref(exchange)
	p.Latest = deref(latest)
	p.LatestDate = deref(latestDate)
	p.YesterdayVolume = deref(volume)
	p.OldestDayAgo = int(deref(oldestDayAgo))
	p.HasHistoryFor1Year = deref(hasYear)
	p.HasHistoryFor30LastDays = deref(has30Days)
	p.HistoryLoadedAtDaily = deref(loadedDaily)
	p.HistoryLoadedAtHourly = deref(loadedHourly)
	if histoDaily != nil {
		p.HistoDaily = json.RawMessage(histoDaily)
	}
	if histoHourly != nil {
		p.HistoHourly = json.RawMessage(histoHourly)
	}
	return p, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
