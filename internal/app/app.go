package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pricestore/internal/alerting"
	"pricestore/internal/cache"
	"pricestore/internal/config"
	"pricestore/internal/scheduler"
	"pricestore/internal/service"
	"pricestore/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	open func(ctx context.Context) (*handles, error)
}

// handles are the opened storage dependencies of one command.
type handles struct {
	store *storage.Store
	pairs storage.PairExchangeStore
	close func()
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
	a.open = a.openStore
	return a
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// openStore builds the pool, ensures the schema, and wraps the pair exchange
// repository with the Redis cache when one is configured.
func (a *App) openStore(ctx context.Context) (*handles, error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool, a.Logger)

	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	h := &handles{store: store, pairs: store.PairExchanges, close: store.Close}

	rdb, err := cache.NewClient(ctx, a.Config.Cache)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; reading without cache")
		return h, nil
	}
	if rdb != nil {
		h.pairs = cache.NewPairExchangeCache(rdb, a.Config.Cache.TTL, a.Config.Cache.Namespace, store.PairExchanges, a.Logger)
		h.close = func() {
			_ = rdb.Close()
			store.Close()
		}
	}
	return h, nil
}

func (a *App) withStore(ctx context.Context, fn func(h *handles) error) error {
	h, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer h.close()
	return fn(h)
}

// InitSchema creates the relations and exits.
func (a *App) InitSchema(ctx context.Context) error {
	return a.withStore(ctx, func(*handles) error {
		fmt.Fprintln(a.Out, "schema ready")
		return nil
	})
}

// Watch runs the checkpoint watchdog until interrupted, or a single check when once is set.
func (a *App) Watch(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.withStore(ctx, func(h *handles) error {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Watch.Interval,
			AlignToStart: a.Config.Watch.AlignToInterval,
			StartupDelay: a.Config.Watch.StartupDelay,
			Immediate:    true,
		}, a.Logger)

		watchdog := service.New(a.Config, sched, h.store.Meta, h.store, a.newNotifier(), a.Logger)

		if once {
			findings, err := watchdog.Check(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printFindings(findings)
		}

		a.Logger.Info().Dur("interval", a.Config.Watch.Interval).Msg("starting checkpoint watchdog")
		err := watchdog.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("watchdog terminated with error")
			return err
		}

		a.Logger.Info().Msg("checkpoint watchdog stopped")
		return nil
	})
}

// ExportOptions hold parameters for exporting a history series.
type ExportOptions struct {
	ID          string
	Granularity string
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// PairOptions configure show pair.
type PairOptions struct {
	From        string
	To          string
	WithHistory bool
}
