package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/audiopipe/audiopipe/internal/pipeline"
)

// Loop is the single-worker poll loop: at most one job in flight, with
// the stale-job reaper running on its own schedule alongside.
type Loop struct {
	proc *Processor
	deps *pipeline.Deps
}

func NewLoop(deps *pipeline.Deps) *Loop {
	return &Loop{proc: NewProcessor(deps), deps: deps}
}

// Run blocks until ctx is done and any in-flight job has drained.
// Claims are retried on the poll interval; an empty queue just waits
// for the next tick.
func (l *Loop) Run(ctx context.Context) error {
	c := cron.New()
	reaper := NewReaper(l.deps.Store, l.deps.Cfg, l.deps.Log)
	if _, err := c.AddFunc("@every "+l.deps.Cfg.ReaperInterval.String(), func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		reaper.Run(sctx)
	}); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	l.deps.Log.Info("worker loop started",
		"poll_interval", l.deps.Cfg.PollInterval,
		"reaper_interval", l.deps.Cfg.ReaperInterval)

	ticker := time.NewTicker(l.deps.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			l.deps.Log.Info("worker loop stopping")
			return nil
		}

		j, err := l.deps.Store.ClaimNextPending(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				l.deps.Log.Error("claim failed", "error", err)
			}
		case j != nil:
			// The claimed job runs detached from the shutdown signal:
			// ctx going away stops further claims, never the job in
			// flight. Process returns only once the job is decided, so
			// Run still drains before exiting.
			l.proc.Process(context.WithoutCancel(ctx), j)
			// Go straight back for more; only an empty queue sleeps.
			continue
		}

		select {
		case <-ctx.Done():
			l.deps.Log.Info("worker loop stopping")
			return nil
		case <-ticker.C:
		}
	}
}
