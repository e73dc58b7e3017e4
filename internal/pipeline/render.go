package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/proc"
	"github.com/audiopipe/audiopipe/internal/render"
)

// audioURLTTL must outlive the render service's queue wait, so it is
// generous rather than tight.
const audioURLTTL = 4 * time.Hour

type renderMetadata struct {
	Config json.RawMessage `json:"config"`
	// Exactly one of AudioKey (already in blob storage) or AudioURL
	// (external, fetched and re-hosted) identifies the soundtrack.
	AudioKey string `json:"audio_key,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

type renderResult struct {
	CallID string `json:"call_id"`
	GPU    bool   `json:"gpu"`
}

// Render hands the job to the external GPU render service. The job
// stays in processing after dispatch; the service's webhook drives it
// to a terminal status later.
func Render(ctx context.Context, d *Deps, j *job.Job, tok *proc.Token, ref *proc.Ref) error {
	var meta renderMetadata
	if err := json.Unmarshal(j.Metadata, &meta); err != nil {
		return validationErr("bad render metadata: %v", err)
	}
	if len(meta.Config) == 0 {
		return validationErr("render requires a config")
	}
	if (meta.AudioKey == "") == (meta.AudioURL == "") {
		return validationErr("render requires exactly one of audio_key or audio_url")
	}

	audioKey := meta.AudioKey
	if meta.AudioURL != "" {
		if err := d.progress(ctx, j.ID, "fetching-audio", 10); err != nil {
			return err
		}
		dir, err := jobTempDir(j.ID)
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		local, err := fetchURL(ctx, meta.AudioURL, dir, d.Cfg.MaxFileSize)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return fmt.Errorf("read fetched audio: %w", err)
		}
		ext := path.Ext(local)
		audioKey = "renders/" + j.ID + "/audio" + ext
		if err := d.Blobs.Put(ctx, audioKey, data); err != nil {
			return fmt.Errorf("stage render audio: %w", err)
		}
	} else {
		ok, err := d.Blobs.Exists(ctx, audioKey)
		if err != nil {
			return fmt.Errorf("check render audio: %w", err)
		}
		if !ok {
			return validationErr("audio_key %q does not exist", audioKey)
		}
	}
	if err := checkpoint(tok); err != nil {
		return err
	}

	if err := d.progress(ctx, j.ID, "dispatching", 40); err != nil {
		return err
	}
	signedURL, err := d.Blobs.SignedURL(ctx, audioKey, audioURLTTL)
	if err != nil {
		return fmt.Errorf("sign render audio url: %w", err)
	}

	resp, err := d.Render.Submit(ctx, render.SubmitRequest{
		Config:         meta.Config,
		JobID:          j.ID,
		AudioSignedURL: signedURL,
		WebhookURL:     d.Cfg.WebhookURL,
		WebhookSecret:  d.Cfg.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("dispatch render: %w", err)
	}

	result, err := json.Marshal(renderResult{CallID: resp.CallID, GPU: resp.GPU})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	stage := "dispatched-to-modal"
	pct := 50.0
	return d.Store.Update(ctx, j.ID, job.Update{
		Stage:    &stage,
		Progress: &pct,
		Result:   result,
	})
}
