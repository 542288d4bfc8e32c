package orchestrator

import (
	"context"
	"time"

	"renderflow/internal/pkg/logger"
	"renderflow/internal/submit"
)

// Daemon consumes run IDs from the submission queue and executes them one
// after another. Run specs come from the run repository; IDs without a
// record are dropped with a warning.
type Daemon struct {
	orch  *Orchestrator
	queue *submit.RedisQueue
	log   *logger.Logger
}

func NewDaemon(orch *Orchestrator, q *submit.RedisQueue, log *logger.Logger) *Daemon {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Daemon{orch: orch, queue: q, log: log.WithComponent("daemon")}
}

func (d *Daemon) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon context canceled, stopping")
			return ctx.Err()
		default:
		}

		// Use a separate context with timeout for queue operations
		popCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		runID, err := d.queue.Pop(popCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				d.log.Info("daemon stopping due to context cancellation")
				return ctx.Err()
			}
			d.log.Warn("queue pop error, retrying", "error", err.Error())
			time.Sleep(1 * time.Second)
			continue
		}
		if runID == "" {
			continue
		}

		runLog := d.log.WithRunID(runID)

		if d.orch.runs == nil {
			runLog.Warn("run dropped: no run repository configured")
			continue
		}
		rec, err := d.orch.runs.Get(ctx, runID)
		if err != nil {
			runLog.Warn("run dropped: spec not found", "error", err.Error())
			continue
		}

		runLog.Info("processing run")
		startTime := time.Now()

		if err := d.orch.Run(ctx, &rec.Spec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runLog.Error("run failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			runLog.Info("run completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}
