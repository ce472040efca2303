package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pricestore/internal/app"
	"pricestore/internal/storage"
)

var (
	showFrom        string
	showTo          string
	showWithHistory bool
	showKeys        []string
	showDay         string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored pair exchanges, market caps and checkpoints",
}

var showPairCmd = &cobra.Command{
	Use:   "pair",
	Short: "List the exchanges quoting a pair, best ranked first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showFrom == "" || showTo == "" {
			return fmt.Errorf("--from and --to are required")
		}
		return getApp().ShowPair(cmd.Context(), app.PairOptions{
			From:        showFrom,
			To:          showTo,
			WithHistory: showWithHistory,
		})
	},
}

var showKeysCmd = &cobra.Command{
	Use:   "keys FROM_TO[_EXCHANGE]...",
	Short: "Look up pair exchanges by composite key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := make([]storage.CompositeKey, 0, len(args))
		for _, arg := range args {
			key, err := parseCompositeKey(arg)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return getApp().ShowKeys(cmd.Context(), keys)
	},
}

var showIDCmd = &cobra.Command{
	Use:   "id ID",
	Short: "Show one pair exchange",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowID(cmd.Context(), args[0])
	},
}

var showIDsCmd = &cobra.Command{
	Use:   "ids",
	Short: "List every stored pair exchange id",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowIDs(cmd.Context())
	},
}

var showMarketCapCmd = &cobra.Command{
	Use:   "marketcap",
	Short: "Show the coin ranking of one day",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDay(showDay)
		if err != nil {
			return err
		}
		return getApp().ShowMarketCap(cmd.Context(), day)
	},
}

var showMetaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Show the sync checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowMeta(cmd.Context())
	},
}

// parseCompositeKey splits FROM_TO or FROM_TO_EXCHANGE. Exchange names may contain underscores.
func parseCompositeKey(v string) (storage.CompositeKey, error) {
	parts := strings.SplitN(v, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return storage.CompositeKey{}, fmt.Errorf("invalid key %q, want FROM_TO or FROM_TO_EXCHANGE", v)
	}
	key := storage.CompositeKey{From: parts[0], To: parts[1]}
	if len(parts) == 3 {
		key.Exchange = parts[2]
	}
	return key, nil
}

func init() {
	showPairCmd.Flags().StringVar(&showFrom, "from", "", "Base asset symbol")
	showPairCmd.Flags().StringVar(&showTo, "to", "", "Quote asset symbol")
	showPairCmd.Flags().BoolVar(&showWithHistory, "with-history", false, "Only exchanges with 30 days of history")
	showMarketCapCmd.Flags().StringVar(&showDay, "day", "", "Day (YYYY-MM-DD, defaults to today UTC)")

	showCmd.AddCommand(showPairCmd, showKeysCmd, showIDCmd, showIDsCmd, showMarketCapCmd, showMetaCmd)
}
