package storage

import (
	"encoding/json"
	"strings"
	"time"
)

// MetaID is the fixed identifier of the singleton checkpoint row.
const MetaID = "meta_1"

// Epoch is reported for checkpoints that were never recorded.
var Epoch = time.Unix(0, 0).UTC()

// PairExchange is one tracked (base asset, quote asset, exchange) triple.
// Zero timestamps and nil history blobs are stored as NULL.
type PairExchange struct {
	ID                      string          `json:"id"`
	From                    string          `json:"from"`
	To                      string          `json:"to"`
	FromTo                  string          `json:"fromTo"`
	Exchange                string          `json:"exchange"`
	Latest                  float64         `json:"latest"`
	LatestDate              time.Time       `json:"latestDate"`
	YesterdayVolume         float64         `json:"yesterdayVolume"`
	OldestDayAgo            int             `json:"oldestDayAgo"`
	HasHistoryFor1Year      bool            `json:"hasHistoryFor1Year"`
	HasHistoryFor30LastDays bool            `json:"hasHistoryFor30LastDays"`
	HistoryLoadedAtDaily    time.Time       `json:"historyLoadedAtDaily"`
	HistoryLoadedAtHourly   time.Time       `json:"historyLoadedAtHourly"`
	HistoDaily              json.RawMessage `json:"histoDaily,omitempty"`
	HistoHourly             json.RawMessage `json:"histoHourly,omitempty"`
}

// LiveRate is a fresh price for one pair exchange.
type LiveRate struct {
	PairExchangeID string  `json:"pairExchangeId"`
	Price          float64 `json:"price"`
}

// ExchangeName renames the exchange of one pair exchange.
type ExchangeName struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CompositeKey addresses pair exchanges by their components. An empty Exchange
// matches the pair on every exchange.
type CompositeKey struct {
	From     string
	To       string
	Exchange string
}

// ID returns the uppercase composite identifier of the key.
func (k CompositeKey) ID() string {
	if k.Exchange == "" {
		return NormalizeID(k.From + "_" + k.To)
	}
	return PairExchangeID(k.From, k.To, k.Exchange)
}

// PairQueryOptions narrow QueryByPair.
type PairQueryOptions struct {
	FilterWithHistory bool
}

// MarketCapSnapshot lists the coins ranked by market capitalisation on one day.
type MarketCapSnapshot struct {
	Day   time.Time `json:"day"`
	Coins []string  `json:"coins"`
}

// Meta holds the synchronisation checkpoints.
type Meta struct {
	LastMarketCapSync time.Time `json:"lastMarketCapSync"`
	LastLiveRatesSync time.Time `json:"lastLiveRatesSync"`
}

// MetaPatch selects the checkpoints SetMeta writes; nil fields are left untouched.
type MetaPatch struct {
	LastMarketCapSync *time.Time
	LastLiveRatesSync *time.Time
}

// IsEmpty reports whether the patch carries no checkpoint.
func (p MetaPatch) IsEmpty() bool {
	return p.LastMarketCapSync == nil && p.LastLiveRatesSync == nil
}

// PairExchangeID derives the primary key of a pair exchange.
func PairExchangeID(from, to, exchange string) string {
	return NormalizeID(from + "_" + to + "_" + exchange)
}

// NormalizeID uppercases an identifier the way ids are stored.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NormalizeDay truncates t to midnight UTC, the key of a market-cap snapshot.
func NormalizeDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// normalized fills the derived columns of a row before it is written.
func (p PairExchange) normalized() PairExchange {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = PairExchangeID(p.From, p.To, p.Exchange)
	} else {
		p.ID = NormalizeID(p.ID)
	}
	if p.FromTo == "" && p.From != "" && p.To != "" {
		p.FromTo = p.From + "_" + p.To
	}
	return p
}
