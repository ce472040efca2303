package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Field names a column of the pairExchanges relation.
type Field string

const (
	FieldID                      Field = "id"
	FieldFrom                    Field = "from"
	FieldTo                      Field = "to"
	FieldFromTo                  Field = "fromTo"
	FieldExchange                Field = "exchange"
	FieldLatest                  Field = "latest"
	FieldLatestDate              Field = "latestDate"
	FieldYesterdayVolume         Field = "yesterdayVolume"
	FieldOldestDayAgo            Field = "oldestDayAgo"
	FieldHasHistoryFor1Year      Field = "hasHistoryFor1Year"
	FieldHasHistoryFor30LastDays Field = "hasHistoryFor30LastDays"
	FieldHistoryLoadedAtDaily    Field = "historyLoadedAtDaily"
	FieldHistoryLoadedAtHourly   Field = "historyLoadedAtHourly"
	FieldHistoDaily              Field = "histoDaily"
	FieldHistoHourly             Field = "histoHourly"
)

type fieldKind int

const (
	kindText fieldKind = iota
	kindFloat
	kindInt
	kindBool
	kindTime
	kindJSON
)

var fieldKinds = map[Field]fieldKind{
	FieldID:                      kindText,
	FieldFrom:                    kindText,
	FieldTo:                      kindText,
	FieldFromTo:                  kindText,
	FieldExchange:                kindText,
	FieldLatest:                  kindFloat,
	FieldLatestDate:              kindTime,
	FieldYesterdayVolume:         kindFloat,
	FieldOldestDayAgo:            kindInt,
	FieldHasHistoryFor1Year:      kindBool,
	FieldHasHistoryFor30LastDays: kindBool,
	FieldHistoryLoadedAtDaily:    kindTime,
	FieldHistoryLoadedAtHourly:   kindTime,
	FieldHistoDaily:              kindJSON,
	FieldHistoHourly:             kindJSON,
}

// ParseField resolves a column name. Matching is exact: column names are case sensitive.
func ParseField(name string) (Field, error) {
	f := Field(name)
	if _, ok := fieldKinds[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

func (f Field) column() string {
	return pgx.Identifier{string(f)}.Sanitize()
}

// value extracts the column value of f from p, mapping unset timestamps and blobs to NULL.
func (p PairExchange) value(f Field) any {
	switch f {
	case FieldID:
		return p.ID
	case FieldFrom:
		return p.From
	case FieldTo:
		return p.To
	case FieldFromTo:
		return p.FromTo
	case FieldExchange:
		return p.Exchange
	case FieldLatest:
		return p.Latest
	case FieldLatestDate:
		return nullTime(p.LatestDate)
	case FieldYesterdayVolume:
		return p.YesterdayVolume
	case FieldOldestDayAgo:
		return p.OldestDayAgo
	case FieldHasHistoryFor1Year:
		return p.HasHistoryFor1Year
	case FieldHasHistoryFor30LastDays:
		return p.HasHistoryFor30LastDays
	case FieldHistoryLoadedAtDaily:
		return nullTime(p.HistoryLoadedAtDaily)
	case FieldHistoryLoadedAtHourly:
		return nullTime(p.HistoryLoadedAtHourly)
	case FieldHistoDaily:
		return nullJSON(p.HistoDaily)
	case FieldHistoHourly:
		return nullJSON(p.HistoHourly)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

// Granularity is the resolution of a history series.
type Granularity string

const (
	GranularityDaily  Granularity = "daily"
	GranularityHourly Granularity = "hourly"
)

// ParseGranularity accepts "daily" or "hourly" in any case.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case GranularityDaily, GranularityHourly:
		return g, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
}

func (g Granularity) histoField() (Field, error) {
	switch g {
	case GranularityDaily:
		return FieldHistoDaily, nil
	case GranularityHourly:
		return FieldHistoHourly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, string(g))
}

// Patch is an ordered set of column assignments for UpdateStats. The zero value is empty.
type Patch struct {
	fields []Field
	values []any
}

// Set assigns v to f, replacing an earlier assignment of the same field.
func (p *Patch) Set(f Field, v any) error {
	kind, ok := fieldKinds[f]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, string(f))
	}
	if f == FieldID {
		return fmt.Errorf("%w: %q", ErrImmutableField, string(f))
	}
	coerced, err := coerce(kind, v)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrFieldType, string(f), err)
	}
	for i, existing := range p.fields {
		if existing == f {
			p.values[i] = coerced
			return nil
		}
	}
	p.fields = append(p.fields, f)
	p.values = append(p.values, coerced)
	return nil
}

// Len returns the number of assigned fields.
func (p Patch) Len() int { return len(p.fields) }

// Fields returns the assigned fields in assignment order.
func (p Patch) Fields() []Field {
	return append([]Field(nil), p.fields...)
}

// PatchFromMap builds a patch from decoded JSON, assigning keys in lexical order.
func PatchFromMap(m map[string]any) (Patch, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var p Patch
	for _, k := range keys {
		f, err := ParseField(k)
		if err != nil {
			return Patch{}, err
		}
		if err := p.Set(f, m[k]); err != nil {
			return Patch{}, err
		}
	}
	return p, nil
}

func coerce(kind fieldKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
	case kindInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int32:
			return int(n), nil
		case int64:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) {
				return int(n), nil
			}
			return nil, fmt.Errorf("%v is not an integer", n)
		case json.Number:
			i, err := n.Int64()
			return int(i), err
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindTime:
		switch t := v.(type) {
		case time.Time:
			return nullTime(t), nil
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return nil, err
			}
			return parsed, nil
		}
	case kindJSON:
		switch raw := v.(type) {
		case json.RawMessage:
			return []byte(raw), nil
		case []byte:
			return raw, nil
		default:
			encoded, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			return encoded, nil
		}
	}
	return nil, fmt.Errorf("unexpected %T", v)
}
