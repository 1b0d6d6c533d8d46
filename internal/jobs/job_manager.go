// README: Starts and stops the scheduled background jobs together.
package jobs

import (
	"fmt"
	"log/slog"
	"time"
)

type Schedule struct {
	Sweep      string
	Stale      string
	StaleAfter time.Duration
}

// JobManager starts and stops every scheduled job together.
type JobManager struct {
	sweepJob *DispatchSweepJob
	staleJob *StalePresenceJob
}

func NewJobManager(sweeper Sweeper, marker StaleMarker, schedule Schedule, logger *slog.Logger) *JobManager {
	if schedule.Stale == "" {
		schedule.Stale = "0 * * * * *"
	}
	return &JobManager{
		sweepJob: NewDispatchSweepJob(sweeper, schedule.Sweep, logger),
		staleJob: NewStalePresenceJob(marker, schedule.Stale, schedule.StaleAfter, logger),
	}
}

func (jm *JobManager) StartAll() error {
	if err := jm.sweepJob.Start(); err != nil {
		return fmt.Errorf("failed to start dispatch sweep job: %w", err)
	}
	if err := jm.staleJob.Start(); err != nil {
		jm.sweepJob.Stop()
		return fmt.Errorf("failed to start stale presence job: %w", err)
	}
	return nil
}

func (jm *JobManager) StopAll() {
	jm.staleJob.Stop()
	jm.sweepJob.Stop()
}
