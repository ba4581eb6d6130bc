package probit

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Sleeper pauses for d. It returns ctx.Err() as soon as ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func clockSleeper(clk clock.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d <= 0 {
			return nil
		}
		timer := clk.Timer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// untilNextHour is the delay from now to the next wall-clock hour boundary.
func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}
