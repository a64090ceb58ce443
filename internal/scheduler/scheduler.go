package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/logging"
)

// TickFunc is invoked on every interval with the scheduled tick time.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires one tick before waiting for the first interval.
	RunImmediately bool
	// TickTimeout bounds a single tick; zero leaves it to the parent context.
	TickTimeout time.Duration
}

// Scheduler drives periodic execution of worker passes.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	failStreak int
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{opts: opts, logger: logging.Component(logger, "scheduler").With().Str("loop", opts.Name).Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. A failed
// tick is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.fire(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.fire(ctx, tick, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) {
	tickCtx := ctx
	if s.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, s.opts.TickTimeout)
		defer cancel()
	}

	err := tick(tickCtx, at)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		if s.failStreak > 0 {
			s.logger.Info().Int("after_failures", s.failStreak).Msg("tick recovered")
		}
		s.failStreak = 0
		return
	}

	s.failStreak++
	event := s.logger.Warn()
	if s.failStreak >= 3 {
		event = s.logger.Error()
	}
	event.Err(err).Time("tick", at).Int("consecutive_failures", s.failStreak).Msg("tick execution failed")
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
