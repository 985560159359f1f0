package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/xiy/working-memory/pkg/types"
)

// Sweeper is the batch evaluation behavior needed by the worker.
type Sweeper interface {
	Sweep(ctx context.Context) (types.EvaluationResult, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts five-field cron expressions and descriptors such as
// "@hourly" or "@every 15m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Start runs one sweep immediately, then one per schedule tick until ctx is
// cancelled. A tick that fires while a sweep is running is skipped.
func Start(ctx context.Context, logger *log.Logger, sched cron.Schedule, sw Sweeper) {
	run(ctx, logger, sw)

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			run(ctx, logger, sw)
		}
	}
}

// Go runs Start in its own goroutine. The returned channel closes once Start
// has returned, including any sweep that was in flight at cancellation.
func Go(ctx context.Context, logger *log.Logger, sched cron.Schedule, sw Sweeper) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		Start(ctx, logger, sched, sw)
	}()
	return done
}

func run(ctx context.Context, logger *log.Logger, sw Sweeper) {
	res, err := sw.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("scheduled sweep failed", "error", err)
		}
		return
	}
	if res.Promoted > 0 || res.Faded > 0 || len(res.Errors) > 0 {
		logger.Info("scheduled sweep resolved items",
			"promoted", res.Promoted,
			"faded", res.Faded,
			"errors", len(res.Errors),
		)
	}
}
