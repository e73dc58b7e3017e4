// Package pipeline holds the type-specific processing functions for
// each job type. Pipelines report progress through the job store,
// complete their own job on success, and return an error on failure;
// retry versus permanent fail is the processor's decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiopipe/audiopipe/internal/asset"
	"github.com/audiopipe/audiopipe/internal/config"
	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/media"
	"github.com/audiopipe/audiopipe/internal/proc"
	"github.com/audiopipe/audiopipe/internal/render"
	"github.com/audiopipe/audiopipe/internal/storage"
)

// ErrValidation marks input rejections (ceilings, SSRF blocks, bad
// metadata). Always permanent: retrying reproduces the rejection.
var ErrValidation = errors.New("validation failed")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Media is the subset of the media runner the pipelines depend on.
type Media interface {
	Probe(ctx context.Context, path string, ref *proc.Ref) (*media.Info, error)
	ExtractAudio(ctx context.Context, url, outPath string, ref *proc.Ref, onProgress func(float64)) error
	StripAudio(ctx context.Context, inPath, outPath string, ref *proc.Ref) error
	Render(ctx context.Context, inputs []string, filter, outPath string, opts media.RenderOpts, ref *proc.Ref) error
	MeasureLoudness(ctx context.Context, path string, ref *proc.Ref) (*media.LoudnormStats, error)
	ApplyLoudness(ctx context.Context, path string, stats *media.LoudnormStats, opts media.RenderOpts, ref *proc.Ref) error
	WaveformPeaks(ctx context.Context, path string, buckets int, ref *proc.Ref) ([]float64, error)
}

// Dispatcher submits render jobs to the external GPU service.
type Dispatcher interface {
	Submit(ctx context.Context, req render.SubmitRequest) (*render.SubmitResponse, error)
}

// Deps bundles every collaborator a pipeline touches. Constructed once
// at startup and injected; nothing here is a global.
type Deps struct {
	Store  job.Store
	Blobs  storage.Blob
	Assets asset.Service
	Media  Media
	Render Dispatcher
	Cfg    *config.Config
	Log    *slog.Logger
}

// Func is one pipeline. It receives the shared child-process ref so the
// cancellation watcher can kill whatever external tool is running, and
// a token it polls at coarse checkpoints.
type Func func(ctx context.Context, d *Deps, j *job.Job, tok *proc.Token, ref *proc.Ref) error

// ForType returns the pipeline for a job type, or nil for unknown types.
func ForType(t job.Type) Func {
	switch t {
	case job.TypeIngest:
		return Ingest
	case job.TypePreview:
		return Preview
	case job.TypeSave:
		return Save
	case job.TypeRender:
		return Render
	}
	return nil
}

// checkpoint returns ErrCancelled once the watcher has flagged the job.
func checkpoint(tok *proc.Token) error {
	if tok != nil && tok.Cancelled() {
		return proc.ErrCancelled
	}
	return nil
}

// progress posts a coarse-grained stage/progress checkpoint.
func (d *Deps) progress(ctx context.Context, jobID, stage string, pct float64) error {
	return d.Store.Update(ctx, jobID, job.Update{Stage: &stage, Progress: &pct})
}
