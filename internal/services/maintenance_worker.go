package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Purger drops key material and sessions past retention.
type Purger interface {
	PurgeStale(ctx context.Context) (PurgeResult, error)
}

// PresenceJanitor clears presence entries whose heartbeat stopped, e.g. after
// a relay instance died without running its disconnects.
type PresenceJanitor interface {
	CleanupStale(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error)
}

// MaintenanceWorker runs the periodic purge and presence cleanup.
type MaintenanceWorker struct {
	purger         Purger
	presence       PresenceJanitor
	interval       time.Duration
	presenceMaxAge time.Duration
	log            *zap.Logger
}

// NewMaintenanceWorker builds a worker. presence may be nil.
func NewMaintenanceWorker(purger Purger, presence PresenceJanitor, interval, presenceMaxAge time.Duration, log *zap.Logger) *MaintenanceWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if presenceMaxAge <= 0 {
		presenceMaxAge = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MaintenanceWorker{
		purger:         purger,
		presence:       presence,
		interval:       interval,
		presenceMaxAge: presenceMaxAge,
		log:            log,
	}
}

// Run ticks until ctx is cancelled. Failures are logged and retried on the
// next tick.
func (w *MaintenanceWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *MaintenanceWorker) RunOnce(ctx context.Context) {
	res, err := w.purger.PurgeStale(ctx)
	if err != nil {
		w.log.Error("purge failed", zap.Error(err))
	} else if res.Sessions+res.SenderKeys+res.SignedPreKeys > 0 {
		w.log.Info("purged stale key material",
			zap.Int64("sessions", res.Sessions),
			zap.Int64("sender_keys", res.SenderKeys),
			zap.Int64("signed_prekeys", res.SignedPreKeys),
		)
	}

	if w.presence == nil {
		return
	}
	stale, err := w.presence.CleanupStale(ctx, w.presenceMaxAge)
	if err != nil {
		w.log.Error("presence cleanup failed", zap.Error(err))
		return
	}
	if len(stale) > 0 {
		w.log.Info("cleared stale presence", zap.Int("users", len(stale)))
	}
}
