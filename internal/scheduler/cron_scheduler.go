package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Run drives the watchdog until ctx is cancelled. Ticks come from a cron
// entry every TickInterval and from nudges. A tick is skipped when the
// previous one is still running.
func (w *Watchdog) Run(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(w.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	spec := fmt.Sprintf("@every %s", w.opts.TickInterval)
	if _, err := c.AddFunc(spec, func() { w.runTick(ctx, "timer") }); err != nil {
		return fmt.Errorf("schedule watchdog tick: %w", err)
	}

	w.logger.Info("watchdog started", "tick_interval", w.opts.TickInterval, "max_concurrent_workers", w.opts.MaxConcurrentWorkers)
	w.runTick(ctx, "start")
	c.Start()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopping...")
			stopCtx := c.Stop()
			<-stopCtx.Done()
			w.archives.Wait()
			w.logger.Info("watchdog stopped")
			return ctx.Err()
		case <-w.nudge:
			w.runTick(ctx, "nudge")
		}
	}
}

func (w *Watchdog) runTick(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("watchdog tick failed", "trigger", trigger, "error", err)
	}
}
