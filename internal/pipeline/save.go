package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/media"
	"github.com/audiopipe/audiopipe/internal/proc"
	"github.com/audiopipe/audiopipe/internal/recipe"
)

type saveMetadata struct {
	AssetID string        `json:"asset_id"`
	Recipe  recipe.Recipe `json:"recipe"`
	// Format is the prepared output container, wav or aac. Wav default.
	Format string `json:"format,omitempty"`
}

type saveResult struct {
	AssetID     string  `json:"assetId"`
	PreparedKey string  `json:"preparedKey"`
	Duration    float64 `json:"duration"`
	Normalized  bool    `json:"normalized"`
}

// Save renders a recipe at full quality and stores the result as the
// prepared mix for an asset, replacing any earlier prepared output.
// Normalization runs as a separate measured two-pass step so the graph
// itself never normalizes; previews take the single-pass shortcut.
func Save(ctx context.Context, d *Deps, j *job.Job, tok *proc.Token, ref *proc.Ref) error {
	var meta saveMetadata
	if err := json.Unmarshal(j.Metadata, &meta); err != nil {
		return validationErr("bad save metadata: %v", err)
	}
	if meta.AssetID == "" {
		return validationErr("save requires an asset_id")
	}
	if len(meta.Recipe.Clips) == 0 {
		return validationErr("save requires a recipe with clips")
	}
	format := meta.Format
	if format == "" {
		format = "wav"
	}
	if format != "wav" && format != "aac" {
		return validationErr("unsupported save format %q", format)
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

	if err := d.progress(ctx, j.ID, "validating", 25); err != nil {
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

	if err := d.progress(ctx, j.ID, "rendering", 40); err != nil {
		return err
	}
	ext := "wav"
	if format == "aac" {
		ext = "m4a"
	}
	inputs, index := media.InputArgs(meta.Recipe, paths)
	filter := media.BuildFilterGraph(meta.Recipe.Clips, index, media.GraphOpts{
		SampleRate: d.Cfg.OutputSampleRate,
	})
	outPath := filepath.Join(dir, "prepared."+ext)
	opts := media.RenderOpts{Format: format}
	if err := d.Media.Render(ctx, inputs, filter, outPath, opts, ref); err != nil {
		return fmt.Errorf("render prepared mix: %w", err)
	}
	if err := checkpoint(tok); err != nil {
		return err
	}

	normalized := false
	if meta.Recipe.Normalize {
		if err := d.progress(ctx, j.ID, "normalizing", 65); err != nil {
			return err
		}
		stats, err := d.Media.MeasureLoudness(ctx, outPath, ref)
		if err != nil {
			return fmt.Errorf("measure loudness: %w", err)
		}
		// A nil stats means the measurement pass produced no usable
		// numbers; ship the un-normalized render rather than fail.
		if stats != nil {
			if err := d.Media.ApplyLoudness(ctx, outPath, stats, opts, ref); err != nil {
				return fmt.Errorf("apply loudness: %w", err)
			}
			normalized = true
		} else {
			d.Log.Warn("loudness measurement unusable, skipping normalization", "job", j.ID)
		}
	}
	if err := checkpoint(tok); err != nil {
		return err
	}

	if err := d.progress(ctx, j.ID, "uploading", 85); err != nil {
		return err
	}
	prefix := "prepared/" + meta.AssetID + "/"
	old, err := d.Blobs.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list prepared outputs: %w", err)
	}
	for _, key := range old {
		if err := d.Blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete stale prepared output %s: %w", key, err)
		}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("read prepared mix: %w", err)
	}
	preparedKey := prefix + "mix." + ext
	if err := d.Blobs.Put(ctx, preparedKey, data); err != nil {
		return fmt.Errorf("upload prepared mix: %w", err)
	}
	recipeJSON, err := json.Marshal(meta.Recipe)
	if err != nil {
		return fmt.Errorf("encode recipe: %w", err)
	}
	if err := d.Blobs.Put(ctx, prefix+"recipe.json", recipeJSON); err != nil {
		return fmt.Errorf("upload recipe: %w", err)
	}

	result, err := json.Marshal(saveResult{
		AssetID:     meta.AssetID,
		PreparedKey: preparedKey,
		Duration:    res.Total,
		Normalized:  normalized,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return d.Store.Complete(ctx, j.ID, result)
}
