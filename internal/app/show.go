package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricestore/internal/service"
	"pricestore/internal/storage"
)

// Status prints the row count and checkpoints. An empty store is reported
// and returned as storage.ErrEmpty.
func (a *App) Status(ctx context.Context) error {
	return a.withStore(ctx, func(h *handles) error {
		status, err := h.store.Status(ctx)
		if err != nil && !errors.Is(err, storage.ErrEmpty) {
			return err
		}

		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(writer, "pairExchanges\t%d\n", status.PairExchanges)
		fmt.Fprintf(writer, "lastLiveRatesSync\t%s\n", formatCheckpoint(status.Meta.LastLiveRatesSync))
		fmt.Fprintf(writer, "lastMarketCapSync\t%s\n", formatCheckpoint(status.Meta.LastMarketCapSync))
		writer.Flush()
		return err
	})
}

// ShowPair prints the pair exchanges quoting from/to, best ranked first.
func (a *App) ShowPair(ctx context.Context, opts PairOptions) error {
	return a.withStore(ctx, func(h *handles) error {
		rows, err := h.pairs.QueryByPair(ctx, opts.From, opts.To, storage.PairQueryOptions{FilterWithHistory: opts.WithHistory})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintf(a.Out, "no pair exchanges for %s/%s\n", opts.From, opts.To)
			return nil
		}
		a.printPairExchanges(rows)
		return nil
	})
}

// ShowKeys prints the pair exchanges matching any composite key.
func (a *App) ShowKeys(ctx context.Context, keys []storage.CompositeKey) error {
	return a.withStore(ctx, func(h *handles) error {
		rows, err := h.pairs.QueryByCompositeKeys(ctx, keys)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintln(a.Out, "no pair exchanges found")
			return nil
		}
		a.printPairExchanges(rows)
		return nil
	})
}

// ShowID prints one pair exchange.
func (a *App) ShowID(ctx context.Context, id string) error {
	return a.withStore(ctx, func(h *handles) error {
		row, found, err := h.pairs.QueryByID(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(a.Out, "pair exchange %s not found\n", storage.NormalizeID(id))
			return nil
		}
		a.printPairExchanges([]storage.PairExchange{row})
		return nil
	})
}

// ShowIDs prints every stored id.
func (a *App) ShowIDs(ctx context.Context) error {
	return a.withStore(ctx, func(h *handles) error {
		ids, err := h.pairs.QueryIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(a.Out, id)
		}
		return nil
	})
}

// ShowMarketCap prints the ranking stored for day.
func (a *App) ShowMarketCap(ctx context.Context, day time.Time) error {
	return a.withStore(ctx, func(h *handles) error {
		coins, found, err := h.store.MarketCaps.QueryCoinsForDay(ctx, day)
		if err != nil {
			return err
		}
		key := storage.NormalizeDay(day).Format(time.DateOnly)
		if !found {
			fmt.Fprintf(a.Out, "no market cap snapshot for %s\n", key)
			return nil
		}
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(writer, "Rank\tCoin (%s)\n", key)
		for i, coin := range coins {
			fmt.Fprintf(writer, "%d\t%s\n", i+1, coin)
		}
		writer.Flush()
		return nil
	})
}

// ShowMeta prints the sync checkpoints.
func (a *App) ShowMeta(ctx context.Context) error {
	return a.withStore(ctx, func(h *handles) error {
		meta, err := h.store.Meta.GetMeta(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "lastLiveRatesSync: %s\n", formatCheckpoint(meta.LastLiveRatesSync))
		fmt.Fprintf(a.Out, "lastMarketCapSync: %s\n", formatCheckpoint(meta.LastMarketCapSync))
		return nil
	})
}

func (a *App) printPairExchanges(rows []storage.PairExchange) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tExchange\tLatest\tLatest (UTC)\tVolume 24h\t1y\t30d\tOldest (days)")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			row.ID,
			sanitizeInline(row.Exchange),
			formatFloat(row.Latest, 8),
			formatTime(row.LatestDate),
			formatFloat(row.YesterdayVolume, 2),
			yesNo(row.HasHistoryFor1Year),
			yesNo(row.HasHistoryFor30LastDays),
			row.OldestDayAgo,
		)
	}
	writer.Flush()
}

func (a *App) printFindings(findings []service.Finding) error {
	if findings == nil {
		fmt.Fprintln(a.Out, "check skipped: advisory lock held elsewhere")
		return nil
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checkpoint\tLast sync\tAge\tMax age\tStale")
	for _, f := range findings {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			f.Checkpoint,
			formatCheckpoint(f.LastSync),
			f.Age.Truncate(time.Second),
			f.MaxAge,
			yesNo(f.Stale),
		)
	}
	writer.Flush()
	return nil
}

// formatFloat renders v with at most places decimals, trailing zeros trimmed.
func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatCheckpoint(t time.Time) string {
	if t.Equal(storage.Epoch) {
		return "never"
	}
	return formatTime(t)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
