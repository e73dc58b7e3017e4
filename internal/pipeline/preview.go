package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/media"
	"github.com/audiopipe/audiopipe/internal/proc"
	"github.com/audiopipe/audiopipe/internal/recipe"
	"github.com/audiopipe/audiopipe/internal/storage"
)

type previewMetadata struct {
	Recipe recipe.Recipe `json:"recipe"`
	// Hash lets the caller pin the cache key; computed when absent.
	Hash string `json:"hash,omitempty"`
}

type previewResult struct {
	PreviewKey string  `json:"previewKey"`
	Duration   float64 `json:"duration"`
	Cached     bool    `json:"cached,omitempty"`
}

// Preview renders a recipe to a low-bitrate MP3, keyed by the recipe
// hash so identical recipes are rendered once and served from cache.
func Preview(ctx context.Context, d *Deps, j *job.Job, tok *proc.Token, ref *proc.Ref) error {
	var meta previewMetadata
	if err := json.Unmarshal(j.Metadata, &meta); err != nil {
		return validationErr("bad preview metadata: %v", err)
	}
	if len(meta.Recipe.Clips) == 0 {
		return validationErr("preview requires a recipe with clips")
	}

	hash := meta.Hash
	if hash == "" {
		hash = recipe.Hash(meta.Recipe)
	}
	previewKey := "previews/" + hash + ".mp3"

	ok, err := d.Blobs.Exists(ctx, previewKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check preview cache: %w", err)
	}
	if ok {
		d.Log.Info("preview cache hit", "job", j.ID, "key", previewKey)
		return completePreview(ctx, d, j.ID, previewResult{PreviewKey: previewKey, Cached: true})
	}

	dir, err := jobTempDir(j.ID)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if err := d.progress(ctx, j.ID, "downloading-sources", 10); err != nil {
		return err
	}
	paths, err := downloadSources(ctx, d, meta.Recipe, dir)
	if err != nil {
		return err
	}
	if err := checkpoint(tok); err != nil {
		return err
	}

	if err := d.progress(ctx, j.ID, "validating", 30); err != nil {
		return err
	}
	durations, err := probeSources(ctx, d, paths, ref)
	if err != nil {
		return err
	}
	res, err := recipe.Validate(meta.Recipe, durations, recipeLimits(d.Cfg))
	if err != nil {
		return err
	}
	if err := checkpoint(tok); err != nil {
		return err
	}

	if err := d.progress(ctx, j.ID, "rendering", 50); err != nil {
		return err
	}
	inputs, index := media.InputArgs(meta.Recipe, paths)
	filter := media.BuildFilterGraph(meta.Recipe.Clips, index, media.GraphOpts{
		Loudnorm:   meta.Recipe.Normalize,
		SampleRate: d.Cfg.OutputSampleRate,
	})
	outPath := filepath.Join(dir, "preview.mp3")
	err = d.Media.Render(ctx, inputs, filter, outPath, media.RenderOpts{
		Format:  "mp3",
		Bitrate: d.Cfg.PreviewBitrate,
	}, ref)
	if err != nil {
		return fmt.Errorf("render preview: %w", err)
	}
	if err := checkpoint(tok); err != nil {
		return err
	}

	if err := d.progress(ctx, j.ID, "uploading", 85); err != nil {
		return err
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("read rendered preview: %w", err)
	}
	if err := d.Blobs.Put(ctx, previewKey, data); err != nil {
		return fmt.Errorf("upload preview: %w", err)
	}

	return completePreview(ctx, d, j.ID, previewResult{PreviewKey: previewKey, Duration: res.Total})
}

func completePreview(ctx context.Context, d *Deps, jobID string, r previewResult) error {
	result, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return d.Store.Complete(ctx, jobID, result)
}
