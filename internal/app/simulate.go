package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricestore/internal/service"
	"pricestore/internal/storage"
)

// staticMeta serves fixed checkpoints to the watchdog.
type staticMeta struct {
	meta storage.Meta
}

func (s staticMeta) GetMeta(context.Context) (storage.Meta, error) {
	return s.meta, nil
}

// SimulateAlert 模拟一个检查点过期并走完整告警流程，不访问数据库。
func (a *App) SimulateAlert(ctx context.Context, checkpoint string, age time.Duration) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if age <= 0 {
		return errors.New("--age 必须大于 0")
	}

	now := time.Now().UTC()
	meta := storage.Meta{LastLiveRatesSync: now, LastMarketCapSync: now}
	switch checkpoint {
	case service.CheckpointLiveRates:
		meta.LastLiveRatesSync = now.Add(-age)
	case service.CheckpointMarketCap:
		meta.LastMarketCapSync = now.Add(-age)
	default:
		return fmt.Errorf("unknown checkpoint %q", checkpoint)
	}

	watchdog := service.New(a.Config, nil, staticMeta{meta: meta}, nil, a.newNotifier(), a.Logger)
	findings, err := watchdog.Check(ctx, now)
	if err != nil {
		return err
	}
	return a.printFindings(findings)
}
