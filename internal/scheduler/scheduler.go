package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CheckFunc is invoked at every tick with the tick time.
type CheckFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs one check right after the startup delay instead of
	// waiting for the first tick.
	Immediate bool
}

// Scheduler drives periodic checks.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking check at each tick until ctx is cancelled. Check
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, check CheckFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.Immediate {
		s.execute(ctx, check, s.now())
	}

	next := s.nextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now())
			delay = next.Sub(s.now())
		}

		s.logger.Debug().Time("next_check", next).Msg("waiting for next check")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		s.execute(ctx, check, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, check CheckFunc, at time.Time) {
	s.logger.Debug().Time("at", at).Msg("executing scheduled check")
	if err := check(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("check execution failed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := now.Truncate(s.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
