// README: Cron job that restarts dispatch for ready orders whose dispatch loop was lost.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper restarts dispatch for orders that lost their loop, for example after a restart.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// DispatchSweepJob periodically asks the dispatch engine to recover orphaned orders.
type DispatchSweepJob struct {
	sweeper Sweeper
	spec    string
	timeout time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
}

func NewDispatchSweepJob(sweeper Sweeper, spec string, logger *slog.Logger) *DispatchSweepJob {
	return &DispatchSweepJob{
		sweeper: sweeper,
		spec:    spec,
		timeout: 10 * time.Second,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "dispatch_sweep_job"),
	}
}

func (j *DispatchSweepJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, j.run); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("dispatch sweep job started", "schedule", j.spec)
	return nil
}

func (j *DispatchSweepJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	started, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "dispatch sweep failed", "error", err)
		return
	}
	if started > 0 {
		j.logger.InfoContext(ctx, "dispatch sweep restarted orders", "count", started)
	}
}

// Stop waits for a running sweep to finish.
func (j *DispatchSweepJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("dispatch sweep job stopped")
}
