// README: Fanout stamps envelopes and hands them to every configured sink.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"courierhub/internal/metrics"
	"courierhub/internal/types"
)

type sink struct {
	name string
	pub  Publisher
}

type Fanout struct {
	log *slog.Logger
	now func() time.Time

	mu    sync.RWMutex
	sinks []sink
}

func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{log: logger.With("component", "notify"), now: time.Now}
}

func (f *Fanout) Add(name string, pub Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink{name: name, pub: pub})
}

// Publish is best-effort. Sink failures are logged and counted, never returned.
func (f *Fanout) Publish(ctx context.Context, env Envelope) error {
	if env.RecipientID == "" {
		return nil
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = f.now().UTC()
	}

	f.mu.RLock()
	sinks := append([]sink(nil), f.sinks...)
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := s.pub.Publish(ctx, env); err != nil {
			metrics.NotificationsFailedTotal.WithLabelValues(s.name).Inc()
			f.log.Warn("notification sink failed",
				"sink", s.name, "recipient_id", env.RecipientID, "event_type", env.EventType, "error", err)
		}
	}
	return nil
}

// PublishTo sends one copy of env per recipient, skipping blanks and duplicates.
func PublishTo(ctx context.Context, pub Publisher, env Envelope, recipients ...types.ID) {
	seen := make(map[types.ID]bool, len(recipients))
	for _, r := range recipients {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		e := env
		e.RecipientID = r
		_ = pub.Publish(ctx, e)
	}
}
