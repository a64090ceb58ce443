package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReconcileOptions configure the reconcile command.
type ReconcileOptions struct {
	// Passes is how many reconcile rounds to run; zero means one.
	Passes   int
	Interval time.Duration
}

// Reconcile finalizes submitted trades whose receipts have landed. Extra
// passes wait Interval between rounds so slow blocks can still be picked up.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	if opts.Passes <= 0 {
		opts.Passes = 1
	}
	if opts.Passes > 1 && opts.Interval <= 0 {
		return errors.New("--interval must be positive when running several passes")
	}

	return a.withRuntime(ctx, func(rt *runtime) error {
		total := 0
		failed := 0
		for pass := 1; pass <= opts.Passes; pass++ {
			if pass > 1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(opts.Interval):
				}
			}

			n, err := rt.engine.Reconcile(ctx)
			if err != nil {
				failed++
				a.Logger.Error().Err(err).Int("pass", pass).Msg("reconcile pass failed")
				continue
			}
			total += n
		}

		a.Logger.Info().Int("finalized", total).Int("failed_passes", failed).Msg("reconcile complete")
		fmt.Fprintf(a.Out, "finalized %d trade(s)\n", total)
		if failed > 0 {
			return fmt.Errorf("%d reconcile pass(es) failed, see logs", failed)
		}
		return nil
	})
}
