package storage

import (
	"cmp"
	"slices"
)

// SortPairExchanges ranks rows with a year of history first, then by descending
// 24h volume. Rows equal on both keys keep their input order.
func SortPairExchanges(rows []PairExchange) {
	slices.SortStableFunc(rows, comparePairExchanges)
}

func comparePairExchanges(a, b PairExchange) int {
	if a.HasHistoryFor1Year != b.HasHistoryFor1Year {
		if a.HasHistoryFor1Year {
			return -1
		}
		return 1
	}
	return cmp.Compare(b.YesterdayVolume, a.YesterdayVolume)
}
