package worker

import (
	"context"
	"log/slog"

	"github.com/audiopipe/audiopipe/internal/config"
	"github.com/audiopipe/audiopipe/internal/job"
)

// Reaper fails processing jobs whose heartbeat has gone quiet for
// longer than the type's timeout. Covers workers that died without
// recording an outcome.
type Reaper struct {
	store job.Store
	cfg   *config.Config
	log   *slog.Logger
}

func NewReaper(store job.Store, cfg *config.Config, log *slog.Logger) *Reaper {
	return &Reaper{store: store, cfg: cfg, log: log}
}

// Run sweeps once. Errors are logged, never propagated: a failed sweep
// just waits for the next tick.
func (r *Reaper) Run(ctx context.Context) {
	for _, t := range job.Types() {
		n, err := r.store.MarkStaleJobsFailed(ctx, r.cfg.Timeout(t), t)
		if err != nil {
			r.log.Error("stale job sweep failed", "type", t, "error", err)
			continue
		}
		if n > 0 {
			r.log.Warn("failed stale jobs", "type", t, "count", n, "timeout", r.cfg.Timeout(t))
		}
	}
}
