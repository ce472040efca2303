package cli

import (
	"time"

	"github.com/spf13/cobra"

	"pricestore/internal/service"
)

var (
	simulateCheckpoint string
	simulateAge        time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次检查点过期并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateCheckpoint, simulateAge)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCheckpoint, "checkpoint", service.CheckpointLiveRates, "lastLiveRatesSync 或 lastMarketCapSync")
	simulateCmd.Flags().DurationVar(&simulateAge, "age", 2*time.Hour, "模拟的检查点滞后时长")
}
