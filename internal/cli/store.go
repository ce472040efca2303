package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	importFile string

	updateFile        string
	updateID          string
	updateGranularity string
	updatePatch       string
	updateDay         string
	updateCoins       []string

	watchOnce bool
)

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the pairExchanges, marketcapCoins and meta relations if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().InitSchema(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show row count and sync checkpoints; fails when nothing was ingested",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Upsert pair exchanges from a JSON array file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Import(cmd.Context(), importFile)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Apply partial updates to stored data",
}

var updateRatesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Apply live rates from a JSON array of {pairExchangeId, price}",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().UpdateRates(cmd.Context(), updateFile)
	},
}

var updateHistoCmd = &cobra.Command{
	Use:   "histo",
	Short: "Replace the daily or hourly history of one pair exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateID == "" {
			return fmt.Errorf("--id is required")
		}
		return getApp().UpdateHisto(cmd.Context(), updateID, updateGranularity, updateFile)
	},
}

var updateNamesCmd = &cobra.Command{
	Use:   "exchange-names",
	Short: "Rename exchanges from a JSON array of {id, name}",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().UpdateExchangeNames(cmd.Context(), updateFile)
	},
}

var updateStatsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Set columns of one pair exchange from a JSON object",
	Example: `  pricestore update stats --id BTC_USD_KRAKEN --set '{"yesterdayVolume": 1520.4}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateID == "" {
			return fmt.Errorf("--id is required")
		}
		return getApp().UpdateStats(cmd.Context(), updateID, updatePatch)
	},
}

var updateMarketCapCmd = &cobra.Command{
	Use:   "marketcap",
	Short: "Replace the market cap ranking of one day",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay(updateDay)
		if err != nil {
			return err
		}
		coins := make([]string, 0, len(updateCoins))
		for _, c := range updateCoins {
			if c = strings.TrimSpace(c); c != "" {
				coins = append(coins, c)
			}
		}
		return getApp().UpdateMarketCap(cmd.Context(), day, coins)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Alert when the sync checkpoints stop advancing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), watchOnce)
	},
}

func parseDay(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	day, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --day value: %w", err)
	}
	return day, nil
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "JSON array of pair exchanges (- for stdin)")

	for _, c := range []*cobra.Command{updateRatesCmd, updateHistoCmd, updateNamesCmd} {
		c.Flags().StringVar(&updateFile, "file", "", "Input JSON file (- for stdin)")
	}
	for _, c := range []*cobra.Command{updateHistoCmd, updateStatsCmd} {
		c.Flags().StringVar(&updateID, "id", "", "Pair exchange id, e.g. BTC_USD_KRAKEN")
	}
	updateHistoCmd.Flags().StringVar(&updateGranularity, "granularity", "daily", "daily or hourly")
	updateStatsCmd.Flags().StringVar(&updatePatch, "set", "{}", "JSON object of column assignments")
	updateMarketCapCmd.Flags().StringVar(&updateDay, "day", "", "Day (YYYY-MM-DD, defaults to today UTC)")
	updateMarketCapCmd.Flags().StringSliceVar(&updateCoins, "coins", nil, "Coins ordered by market cap, comma separated")

	updateCmd.AddCommand(updateRatesCmd, updateHistoCmd, updateNamesCmd, updateStatsCmd, updateMarketCapCmd)

	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run a single check and print the findings")
}
