// Package worker runs claimed jobs: one processor invocation per job,
// with a heartbeat, a cancellation watcher, and retry classification
// around the pipeline call.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/pipeline"
	"github.com/audiopipe/audiopipe/internal/proc"
)

// outcomeTimeout bounds the store writes that record a job's final
// state. They run on a fresh context so a shutdown cannot lose them.
const outcomeTimeout = 10 * time.Second

// maxRetries is the per-job retry budget for transient failures.
const maxRetries = 1

// Processor runs one claimed job to its outcome.
type Processor struct {
	deps    *pipeline.Deps
	forType func(job.Type) pipeline.Func
}

func NewProcessor(deps *pipeline.Deps) *Processor {
	return &Processor{deps: deps, forType: pipeline.ForType}
}

// Process executes the job's pipeline and records the outcome. It
// returns once the job has reached a decided state: completed or
// dispatched by the pipeline, requeued, failed, or cancelled.
func (p *Processor) Process(ctx context.Context, j *job.Job) {
	log := p.deps.Log.With("job", j.ID, "type", j.Type)

	fn := p.forType(j.Type)
	if fn == nil {
		p.fail(j.ID, "no pipeline registered for type "+string(j.Type))
		return
	}

	tok := proc.NewToken()
	ref := proc.NewRef()

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.heartbeat(watchCtx, j.ID)
	}()
	go func() {
		defer wg.Done()
		p.watchCancellation(watchCtx, j.ID, tok, ref)
	}()

	log.Info("job started")
	err := fn(ctx, p.deps, j, tok, ref)
	stopWatch()
	wg.Wait()

	switch {
	case errors.Is(err, proc.ErrCancelled) || tok.Cancelled():
		// The store row is already cancelled; the watcher reset its
		// stage and progress. Nothing further to record.
		log.Info("job cancelled")

	case err == nil:
		log.Info("job finished")

	case transientErr(err) && j.RetryCount < maxRetries:
		log.Warn("job failed, requeueing", "error", err, "retry", j.RetryCount+1)
		p.requeue(j.ID, j.RetryCount+1)

	default:
		log.Error("job failed", "error", err)
		p.fail(j.ID, err.Error())
	}
}

// heartbeat refreshes updated_at so the reaper can tell a live worker
// from a dead one. Touch errors are logged and swallowed: a missed
// beat must never kill a healthy job.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(p.deps.Cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.deps.Store.Touch(ctx, jobID); err != nil && ctx.Err() == nil {
				p.deps.Log.Warn("heartbeat failed", "job", jobID, "error", err)
			}
		}
	}
}

// watchCancellation polls the job row and, on an external cancel, flips
// the cooperative token, kills whatever child process is running, and
// clears the row's stage and progress.
func (p *Processor) watchCancellation(ctx context.Context, jobID string, tok *proc.Token, ref *proc.Ref) {
	t := time.NewTicker(p.deps.Cfg.CancelPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j, err := p.deps.Store.Get(ctx, jobID)
			if err != nil || j == nil {
				continue
			}
			if j.Status != job.StatusCancelled {
				continue
			}

			tok.Cancel()
			ref.Kill(p.deps.Cfg.KillGrace)

			octx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
			stage := ""
			pct := 0.0
			if err := p.deps.Store.Update(octx, jobID, job.Update{Stage: &stage, Progress: &pct}); err != nil {
				p.deps.Log.Warn("cancel cleanup failed", "job", jobID, "error", err)
			}
			cancel()
			return
		}
	}
}

func (p *Processor) requeue(jobID string, retry int) {
	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()

	status := job.StatusPending
	stage := ""
	pct := 0.0
	err := p.deps.Store.Update(ctx, jobID, job.Update{
		Status:     &status,
		Stage:      &stage,
		Progress:   &pct,
		RetryCount: &retry,
	})
	if err != nil {
		p.deps.Log.Error("requeue failed", "job", jobID, "error", err)
	}
}

func (p *Processor) fail(jobID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()
	if err := p.deps.Store.Fail(ctx, jobID, msg); err != nil {
		p.deps.Log.Error("recording failure failed", "job", jobID, "error", err)
	}
}
