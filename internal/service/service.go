package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricestore/internal/alerting"
	"pricestore/internal/config"
	"pricestore/internal/scheduler"
	"pricestore/internal/storage"
)

const (
	CheckpointLiveRates = "lastLiveRatesSync"
	CheckpointMarketCap = "lastMarketCapSync"
)

// Finding is the evaluation of one checkpoint.
type Finding struct {
	Checkpoint string
	LastSync   time.Time
	Age        time.Duration
	MaxAge     time.Duration
	Stale      bool
}

// Watchdog periodically checks that the sync checkpoints keep advancing.
type Watchdog struct {
	scheduler *scheduler.Scheduler
	meta      storage.MetaReader
	notifier  alerting.Notifier
	logger    zerolog.Logger

	maxLiveRatesAge time.Duration
	maxMarketCapAge time.Duration
	cooldown        time.Duration
	channels        []string
	alertsOn        bool
	locker          storage.AdvisoryLocker
	lockKey         int64

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New constructs the watchdog. locker may be nil, which disables the advisory lock.
func New(cfg *config.Config, sched *scheduler.Scheduler, meta storage.MetaReader, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		scheduler:       sched,
		meta:            meta,
		notifier:        notifier,
		logger:          logger.With().Str("component", "watchdog").Logger(),
		maxLiveRatesAge: cfg.Watch.MaxLiveRatesAge,
		maxMarketCapAge: cfg.Watch.MaxMarketCapAge,
		cooldown:        cfg.Alerting.Cooldown,
		channels:        cfg.Alerting.Channels,
		alertsOn:        cfg.Alerting.Enabled,
		locker:          locker,
		lockKey:         cfg.Watch.AdvisoryLockKey,
		lastSent:        make(map[string]time.Time),
	}
}

// Run begins the periodic check loop.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return w.scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := w.Check(ctx, at)
		return err
	})
}

// Check 执行单次检查点巡检。It returns nil findings when another process
// holds the advisory lock.
func (w *Watchdog) Check(ctx context.Context, at time.Time) ([]Finding, error) {
	unlock, proceed, err := w.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		w.logger.Debug().Time("at", at).Msg("skip check because advisory lock held elsewhere")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	meta, err := w.meta.GetMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}

	findings := Evaluate(meta, at, w.maxLiveRatesAge, w.maxMarketCapAge)
	for _, f := range findings {
		event := w.logger.Info()
		if f.Stale {
			event = w.logger.Warn()
		}
		event.Str("checkpoint", f.Checkpoint).
			Time("last_sync", f.LastSync).
			Dur("age", f.Age).
			Bool("stale", f.Stale).
			Msg("checkpoint evaluated")

		if f.Stale {
			w.alert(ctx, f, at)
		} else {
			w.resetCooldown(f.Checkpoint)
		}
	}
	return findings, nil
}

// Evaluate compares each checkpoint's age at the given time against its limit.
// A checkpoint never recorded (epoch) is always stale.
func Evaluate(meta storage.Meta, at time.Time, maxLiveRatesAge, maxMarketCapAge time.Duration) []Finding {
	return []Finding{
		evaluate(CheckpointLiveRates, meta.LastLiveRatesSync, at, maxLiveRatesAge),
		evaluate(CheckpointMarketCap, meta.LastMarketCapSync, at, maxMarketCapAge),
	}
}

func evaluate(name string, last, at time.Time, maxAge time.Duration) Finding {
	age := at.Sub(last)
	return Finding{
		Checkpoint: name,
		LastSync:   last,
		Age:        age,
		MaxAge:     maxAge,
		Stale:      last.Equal(storage.Epoch) || age > maxAge,
	}
}

func (w *Watchdog) alert(ctx context.Context, f Finding, at time.Time) {
	if !w.alertsOn || w.notifier == nil {
		return
	}
	if !w.claimCooldown(f.Checkpoint, at) {
		w.logger.Debug().Str("checkpoint", f.Checkpoint).Msg("alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Checkpoint: f.Checkpoint,
		CheckedAt:  at,
		LastSync:   f.LastSync,
		Age:        f.Age,
		MaxAge:     f.MaxAge,
		Channels:   w.channels,
	}
	if err := w.notifier.Notify(ctx, note); err != nil {
		w.logger.Error().Err(err).Str("checkpoint", f.Checkpoint).Msg("failed to dispatch alert")
		w.resetCooldown(f.Checkpoint)
	}
}

func (w *Watchdog) claimCooldown(checkpoint string, at time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSent[checkpoint]; ok && at.Sub(last) < w.cooldown {
		return false
	}
	w.lastSent[checkpoint] = at
	return true
}

func (w *Watchdog) resetCooldown(checkpoint string) {
	w.mu.Lock()
	delete(w.lastSent, checkpoint)
	w.mu.Unlock()
}

func (w *Watchdog) acquireLock(ctx context.Context) (func(), bool, error) {
	if w.lockKey == 0 || w.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := w.locker.TryAdvisoryLock(ctx, w.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
