package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"pricestore/internal/storage"
)

// Candle is one point of a stored history series.
type Candle struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	VolumeFrom float64 `json:"volumefrom"`
	VolumeTo   float64 `json:"volumeto"`
}

// At returns the candle time in UTC.
func (c Candle) At() time.Time {
	return time.Unix(c.Time, 0).UTC()
}

// Export renders the stored history of one pair exchange as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	granularity, err := storage.ParseGranularity(opts.Granularity)
	if err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	return a.withStore(ctx, func(h *handles) error {
		row, found, err := h.pairs.QueryByID(ctx, opts.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("pair exchange %s not found", storage.NormalizeID(opts.ID))
		}

		raw := row.HistoDaily
		if granularity == storage.GranularityHourly {
			raw = row.HistoHourly
		}
		candles, err := DecodeHistory(raw)
		if err != nil {
			return fmt.Errorf("decode %s history of %s: %w", granularity, row.ID, err)
		}
		if len(candles) == 0 {
			a.Logger.Info().Str("id", row.ID).Str("granularity", string(granularity)).Msg("no history stored")
			return nil
		}

		downsampled := downsampleCandles(candles, opts.MaxPoints)
		a.Logger.Info().Int("total", len(candles)).Int("exported", len(downsampled)).Msg("exporting history")

		if opts.CSVPath != "" {
			if err := writeCandlesCSV(opts.CSVPath, downsampled); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writeCandlesPNG(opts.PNGPath, row, granularity, downsampled); err != nil {
				return err
			}
		}
		return nil
	})
}

// DecodeHistory parses a history blob and orders it by time. A nil blob is an empty series.
func DecodeHistory(raw json.RawMessage) ([]Candle, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var candles []Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, err
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	return candles, nil
}

func downsampleCandles(candles []Candle, max int) []Candle {
	if max <= 0 || len(candles) <= max {
		return candles
	}
	if max == 1 {
		return candles[len(candles)-1:]
	}

	result := make([]Candle, 0, max)
	step := float64(len(candles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(candles) {
			idx = len(candles) - 1
		}
		result = append(result, candles[idx])
	}
	return result
}

func writeCandlesCSV(path string, candles []Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"time", "open", "high", "low", "close", "volumefrom", "volumeto"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range candles {
		record := []string{
			c.At().Format(time.RFC3339),
			decimal.NewFromFloat(c.Open).String(),
			decimal.NewFromFloat(c.High).String(),
			decimal.NewFromFloat(c.Low).String(),
			decimal.NewFromFloat(c.Close).String(),
			decimal.NewFromFloat(c.VolumeFrom).String(),
			decimal.NewFromFloat(c.VolumeTo).String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCandlesPNG(path string, row storage.PairExchange, granularity storage.Granularity, candles []Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		x[i] = c.At()
		closes[i] = c.Close
		volumes[i] = c.VolumeTo
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s (%s)", row.ID, granularity),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("Close (%s)", row.To),
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: fmt.Sprintf("Volume (%s)", row.To),
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volumes,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
