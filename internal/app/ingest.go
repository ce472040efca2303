package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pricestore/internal/storage"
)

// Import upserts the pair exchanges listed in a JSON array file.
func (a *App) Import(ctx context.Context, path string) error {
	var rows []storage.PairExchange
	if err := readJSONFile(path, &rows); err != nil {
		return err
	}

	return a.withStore(ctx, func(h *handles) error {
		if err := h.pairs.UpsertBatch(ctx, rows); err != nil {
			return err
		}
		a.Logger.Info().Int("rows", len(rows)).Str("file", path).Msg("pair exchanges imported")
		fmt.Fprintf(a.Out, "imported %d pair exchanges\n", len(rows))
		return nil
	})
}

// UpdateRates applies the live rates listed in a JSON array file.
func (a *App) UpdateRates(ctx context.Context, path string) error {
	var rates []storage.LiveRate
	if err := readJSONFile(path, &rates); err != nil {
		return err
	}

	return a.withStore(ctx, func(h *handles) error {
		if err := h.pairs.UpdateLiveRates(ctx, rates); err != nil {
			return reportCheckpoint(err)
		}
		fmt.Fprintf(a.Out, "updated %d live rates\n", len(rates))
		return nil
	})
}

// UpdateHisto stores the history blob read from path; "-" reads stdin.
func (a *App) UpdateHisto(ctx context.Context, id, granularity, path string) error {
	g, err := storage.ParseGranularity(granularity)
	if err != nil {
		return err
	}

	raw, err := readFile(path)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%s does not contain valid JSON", path)
	}

	return a.withStore(ctx, func(h *handles) error {
		if err := h.pairs.UpdateHisto(ctx, id, g, json.RawMessage(raw)); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "history %s stored for %s\n", g, storage.NormalizeID(id))
		return nil
	})
}

// UpdateExchangeNames renames exchanges from a JSON array of {id, name}.
func (a *App) UpdateExchangeNames(ctx context.Context, path string) error {
	var names []storage.ExchangeName
	if err := readJSONFile(path, &names); err != nil {
		return err
	}

	return a.withStore(ctx, func(h *handles) error {
		if err := h.pairs.UpdateExchangeNames(ctx, names); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "renamed %d exchanges\n", len(names))
		return nil
	})
}

// UpdateStats applies a JSON object of column assignments to one row.
func (a *App) UpdateStats(ctx context.Context, id, patchJSON string) error {
	var fields map[string]any
	if err := json.Unmarshal([]byte(patchJSON), &fields); err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}
	patch, err := storage.PatchFromMap(fields)
	if err != nil {
		return err
	}

	return a.withStore(ctx, func(h *handles) error {
		if err := h.pairs.UpdateStats(ctx, id, patch); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "updated %d fields of %s\n", patch.Len(), storage.NormalizeID(id))
		return nil
	})
}

// UpdateMarketCap replaces the coin ranking of day.
func (a *App) UpdateMarketCap(ctx context.Context, day time.Time, coins []string) error {
	return a.withStore(ctx, func(h *handles) error {
		if err := h.store.MarketCaps.UpdateCoinsForDay(ctx, day, coins); err != nil {
			return reportCheckpoint(err)
		}
		fmt.Fprintf(a.Out, "stored %d coins for %s\n", len(coins), storage.NormalizeDay(day).Format(time.DateOnly))
		return nil
	})
}

// reportCheckpoint adds operator guidance to a stale checkpoint failure.
func reportCheckpoint(err error) error {
	var cerr *storage.CheckpointError
	if errors.As(err, &cerr) {
		return fmt.Errorf("%w (data was written; rerun to refresh the checkpoint)", err)
	}
	return err
}

func readJSONFile(path string, dest any) error {
	raw, err := readFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("--file is required")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}
