package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/audiopipe/audiopipe/internal/asset"
	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/proc"
)

const waveformBuckets = 800

type ingestMetadata struct {
	SourceType       string `json:"source_type"`
	URL              string `json:"url,omitempty"`
	VideoID          string `json:"video_id,omitempty"`
	StorageKey       string `json:"storage_key,omitempty"`
	Filename         string `json:"filename,omitempty"`
	RightsAttestedAt string `json:"rights_attested_at,omitempty"`
}

type ingestResult struct {
	AssetID  string          `json:"assetId"`
	Metadata ingestAudioInfo `json:"metadata"`
}

type ingestAudioInfo struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Codec      string  `json:"codec"`
}

// Ingest acquires audio from one of four sources, probes and validates
// it, creates a persistent asset with provenance, and uploads a
// waveform summary.
func Ingest(ctx context.Context, d *Deps, j *job.Job, tok *proc.Token, ref *proc.Ref) error {
	var meta ingestMetadata
	if err := json.Unmarshal(j.Metadata, &meta); err != nil {
		return validationErr("bad ingest metadata: %v", err)
	}

	dir, err := jobTempDir(j.ID)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	var audioPath string
	prov := asset.Provenance{
		SourceType:       meta.SourceType,
		SourceURL:        meta.URL,
		VideoID:          meta.VideoID,
		RightsAttestedAt: meta.RightsAttestedAt,
		IngestedAt:       time.Now().UTC(),
	}

	switch meta.SourceType {
	case "youtube":
		if meta.URL == "" {
			return validationErr("youtube ingest requires a url")
		}
		if err := d.progress(ctx, j.ID, "downloading", 10); err != nil {
			return err
		}
		audioPath = filepath.Join(dir, "source.wav")
		err := d.Media.ExtractAudio(ctx, meta.URL, audioPath, ref, func(pct float64) {
			// Extraction covers the 10-50% band. Failures here are
			// cosmetic; real work continues.
			p := 10 + pct*0.4
			if uerr := d.Store.Update(ctx, j.ID, job.Update{Progress: &p}); uerr != nil {
				d.Log.Warn("ingest progress update failed", "job", j.ID, "error", uerr)
			}
		})
		if err != nil {
			return fmt.Errorf("extract audio: %w", err)
		}

	case "url":
		if meta.URL == "" {
			return validationErr("url ingest requires a url")
		}
		if err := d.progress(ctx, j.ID, "downloading", 10); err != nil {
			return err
		}
		audioPath, err = fetchURL(ctx, meta.URL, dir, d.Cfg.MaxFileSize)
		if err != nil {
			return err
		}

	case "audio_file", "video_file":
		if meta.StorageKey == "" {
			return validationErr("%s ingest requires a storage_key", meta.SourceType)
		}
		if err := d.progress(ctx, j.ID, "downloading", 10); err != nil {
			return err
		}
		data, err := d.Blobs.Get(ctx, meta.StorageKey)
		if err != nil {
			return fmt.Errorf("read uploaded file: %w", err)
		}
		if int64(len(data)) > d.Cfg.MaxFileSize {
			return validationErr("file size %d exceeds the %d byte maximum", len(data), d.Cfg.MaxFileSize)
		}
		audioPath = filepath.Join(dir, "upload"+path.Ext(meta.StorageKey))
		if err := os.WriteFile(audioPath, data, 0o644); err != nil {
			return fmt.Errorf("write uploaded file: %w", err)
		}

		if meta.SourceType == "video_file" {
			if err := checkpoint(tok); err != nil {
				return err
			}
			if err := d.progress(ctx, j.ID, "extracting-audio", 40); err != nil {
				return err
			}
			wav := filepath.Join(dir, "audio.wav")
			if err := d.Media.StripAudio(ctx, audioPath, wav, ref); err != nil {
				return fmt.Errorf("strip audio track: %w", err)
			}
			audioPath = wav
		}

	default:
		return validationErr("unknown source type %q", meta.SourceType)
	}

	if err := checkpoint(tok); err != nil {
		return err
	}
	if st, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("stat acquired audio: %w", err)
	} else if st.Size() > d.Cfg.MaxFileSize {
		return validationErr("file size %d exceeds the %d byte maximum", st.Size(), d.Cfg.MaxFileSize)
	}

	if err := d.progress(ctx, j.ID, "probing", 60); err != nil {
		return err
	}
	info, err := d.Media.Probe(ctx, audioPath, ref)
	if err != nil {
		return fmt.Errorf("probe audio: %w", err)
	}
	if max := d.Cfg.MaxAudioDuration.Seconds(); info.Duration > max {
		return validationErr("audio duration %.1fs exceeds the %.1fs maximum", info.Duration, max)
	}

	if err := checkpoint(tok); err != nil {
		return err
	}
	if err := d.progress(ctx, j.ID, "creating-asset", 75); err != nil {
		return err
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("read acquired audio: %w", err)
	}
	filename := meta.Filename
	if filename == "" {
		filename = filepath.Base(audioPath)
	}
	assetMeta, err := d.Assets.CreateAsset(ctx, data, filename, prov)
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}

	if err := checkpoint(tok); err != nil {
		return err
	}
	if err := d.progress(ctx, j.ID, "waveform", 90); err != nil {
		return err
	}
	peaks, err := d.Media.WaveformPeaks(ctx, audioPath, waveformBuckets, ref)
	if err != nil {
		return fmt.Errorf("generate waveform: %w", err)
	}
	waveform, err := json.Marshal(map[string]any{
		"peaks":    peaks,
		"duration": info.Duration,
	})
	if err != nil {
		return fmt.Errorf("encode waveform: %w", err)
	}
	waveformKey := fmt.Sprintf("assets/%s/waveform.json", assetMeta.ID)
	if err := d.Blobs.Put(ctx, waveformKey, waveform); err != nil {
		return fmt.Errorf("upload waveform: %w", err)
	}

	result, err := json.Marshal(ingestResult{
		AssetID: assetMeta.ID,
		Metadata: ingestAudioInfo{
			Duration:   info.Duration,
			SampleRate: info.SampleRate,
			Channels:   info.Channels,
			Codec:      info.Codec,
		},
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return d.Store.Complete(ctx, j.ID, result)
}
