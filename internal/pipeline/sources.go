package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiopipe/audiopipe/internal/config"
	"github.com/audiopipe/audiopipe/internal/proc"
	"github.com/audiopipe/audiopipe/internal/recipe"
	"github.com/audiopipe/audiopipe/internal/safeurl"
)

func recipeLimits(cfg *config.Config) recipe.Limits {
	return recipe.Limits{
		MaxClips:          cfg.MaxClips,
		MinClipDuration:   cfg.MinClipDuration,
		MaxOutputDuration: cfg.MaxOutputDuration,
	}
}

// jobTempDir creates the job-scoped scratch directory. Callers remove
// it in a defer so it is cleaned up on every exit path.
func jobTempDir(jobID string) (string, error) {
	dir, err := os.MkdirTemp("", "audiopipe-"+jobID+"-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

// downloadSources fetches each unique asset referenced by the recipe
// into dir, concurrently, and returns asset-ID → local path.
func downloadSources(ctx context.Context, d *Deps, r recipe.Recipe, dir string) (map[string]string, error) {
	paths := make(map[string]string)
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range r.AssetIDs() {
		id := id
		key, err := d.Assets.RawKey(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve source asset %s: %w", id, err)
		}
		local := filepath.Join(dir, "src-"+id+path.Ext(key))
		paths[id] = local

		g.Go(func() error {
			data, err := d.Blobs.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("download source asset %s: %w", id, err)
			}
			if err := os.WriteFile(local, data, 0o644); err != nil {
				return fmt.Errorf("write source asset %s: %w", id, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// probeSources returns per-asset durations for recipe validation.
// Probes run sequentially: the child-process ref tracks one process.
func probeSources(ctx context.Context, d *Deps, paths map[string]string, ref *proc.Ref) (map[string]float64, error) {
	durations := make(map[string]float64, len(paths))
	for id, p := range paths {
		info, err := d.Media.Probe(ctx, p, ref)
		if err != nil {
			return nil, fmt.Errorf("probe source asset %s: %w", id, err)
		}
		durations[id] = info.Duration
	}
	return durations, nil
}

// fetchClient follows redirects but re-validates nothing after the
// initial check, so redirects are disabled entirely.
var fetchClient = &http.Client{
	Timeout: 10 * time.Minute,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// fetchURL streams an SSRF-validated HTTPS URL to a file in dir,
// enforcing the size ceiling both before (Content-Length) and during
// (running byte counter) the download.
func fetchURL(ctx context.Context, rawURL, dir string, maxSize int64) (string, error) {
	if err := safeurl.Validate(ctx, rawURL); err != nil {
		return "", validationErr("url rejected: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create fetch request: %w", err)
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > maxSize {
		return "", validationErr("file size %d exceeds the %d byte maximum", resp.ContentLength, maxSize)
	}

	ext := path.Ext(strings.SplitN(path.Base(rawURL), "?", 2)[0])
	if ext == "" {
		ext = ".bin"
	}
	dest := filepath.Join(dir, "download"+ext)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer f.Close()

	// LimitReader gives one byte of headroom so an oversized body is
	// detectable rather than silently truncated.
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	if n > maxSize {
		return "", validationErr("download exceeds the %d byte maximum", maxSize)
	}
	return dest, nil
}
