package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/audiopipe/audiopipe/internal/proc"
)

// RenderOpts selects the encode target for a filter-graph render.
type RenderOpts struct {
	// Format is mp3, wav or aac.
	Format  string
	Bitrate string
}

func codecArgs(opts RenderOpts) ([]string, error) {
	switch opts.Format {
	case "mp3":
		bitrate := opts.Bitrate
		if bitrate == "" {
			bitrate = "128k"
		}
		return []string{"-codec:a", "libmp3lame", "-b:a", bitrate}, nil
	case "wav":
		return []string{"-codec:a", "pcm_s16le"}, nil
	case "aac":
		bitrate := opts.Bitrate
		if bitrate == "" {
			bitrate = "256k"
		}
		return []string{"-codec:a", "aac", "-b:a", bitrate}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", opts.Format)
	}
}

// Render runs ffmpeg over the deduplicated inputs with the given filter
// graph, encoding the [out] stream to outPath.
func (r *Runner) Render(ctx context.Context, inputs []string, filter, outPath string, opts RenderOpts, ref *proc.Ref) error {
	args := r.ffmpegBase()
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args, "-filter_complex", filter, "-map", "[out]")

	codec, err := codecArgs(opts)
	if err != nil {
		return err
	}
	args = append(args, codec...)
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, r.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := runTracked(ref, cmd, &stderr); err != nil {
		return fmt.Errorf("render %s: %w", outPath, err)
	}
	return nil
}

// StripAudio extracts the audio track of a video file into a WAV
// intermediate.
func (r *Runner) StripAudio(ctx context.Context, inPath, outPath string, ref *proc.Ref) error {
	args := append(r.ffmpegBase(),
		"-i", inPath,
		"-vn",
		"-codec:a", "pcm_s16le",
		outPath,
	)
	cmd := exec.CommandContext(ctx, r.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := runTracked(ref, cmd, &stderr); err != nil {
		return fmt.Errorf("strip audio from %s: %w", inPath, err)
	}
	return nil
}
