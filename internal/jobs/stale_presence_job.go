// README: Cron job that takes couriers offline once their location stops updating.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type StaleMarker interface {
	MarkStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// StalePresenceJob takes couriers offline once their presence stops updating.
type StalePresenceJob struct {
	marker     StaleMarker
	spec       string
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *slog.Logger
}

func NewStalePresenceJob(marker StaleMarker, spec string, staleAfter time.Duration, logger *slog.Logger) *StalePresenceJob {
	return &StalePresenceJob{
		marker:     marker,
		spec:       spec,
		staleAfter: staleAfter,
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger.With("component", "stale_presence_job"),
	}
}

func (j *StalePresenceJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, j.run); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("stale presence job started", "schedule", j.spec, "stale_after", j.staleAfter)
	return nil
}

func (j *StalePresenceJob) run() {
	ctx := context.Background()
	n, err := j.marker.MarkStale(ctx, j.staleAfter)
	if err != nil {
		j.logger.ErrorContext(ctx, "stale presence sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "couriers marked offline", "count", n)
	}
}

func (j *StalePresenceJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("stale presence job stopped")
}
