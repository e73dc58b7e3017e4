package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/audiopipe/audiopipe/internal/proc"
)

// LoudnormStats are the machine-readable measurements ffmpeg's loudnorm
// filter prints on its diagnostic stream during a measurement pass.
// Values stay strings because they are fed back into the filter as-is.
type LoudnormStats struct {
	InputI      string `json:"input_i"`
	InputTP     string `json:"input_tp"`
	InputLRA    string `json:"input_lra"`
	InputThresh string `json:"input_thresh"`
	Offset      string `json:"target_offset"`
}

// MeasureLoudness runs the loudnorm measurement pass against an already
// rendered file. Unparseable stats return (nil, nil): the caller skips
// normalization rather than failing the job.
func (r *Runner) MeasureLoudness(ctx context.Context, path string, ref *proc.Ref) (*LoudnormStats, error) {
	args := append(r.ffmpegBase(),
		"-i", path,
		"-af", loudnormTarget+":print_format=json",
		"-f", "null", "-",
	)
	cmd := exec.CommandContext(ctx, r.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := runTracked(ref, cmd, &stderr); err != nil {
		return nil, fmt.Errorf("measure loudness of %s: %w", path, err)
	}

	return parseLoudnormStats(stderr.String()), nil
}

// parseLoudnormStats extracts the trailing JSON block from ffmpeg's
// stderr. Returns nil when no usable block is present.
func parseLoudnormStats(stderr string) *LoudnormStats {
	start := strings.LastIndex(stderr, "{")
	end := strings.LastIndex(stderr, "}")
	if start == -1 || end <= start {
		return nil
	}

	stats := &LoudnormStats{}
	if err := json.Unmarshal([]byte(stderr[start:end+1]), stats); err != nil {
		return nil
	}
	if stats.InputI == "" || stats.InputTP == "" || stats.InputLRA == "" || stats.InputThresh == "" {
		return nil
	}
	return stats
}

// ApplyLoudness re-encodes path with the measured values applied
// linearly, writing to a side file and atomically replacing the
// original on success.
func (r *Runner) ApplyLoudness(ctx context.Context, path string, stats *LoudnormStats, opts RenderOpts, ref *proc.Ref) error {
	filter := fmt.Sprintf(
		"%s:measured_I=%s:measured_TP=%s:measured_LRA=%s:measured_thresh=%s:offset=%s:linear=true",
		loudnormTarget, stats.InputI, stats.InputTP, stats.InputLRA, stats.InputThresh, stats.Offset,
	)

	side := path + ".norm"
	args := append(r.ffmpegBase(), "-i", path, "-af", filter)
	codec, err := codecArgs(opts)
	if err != nil {
		return err
	}
	args = append(args, codec...)
	args = append(args, "-f", containerFor(opts.Format), side)

	cmd := exec.CommandContext(ctx, r.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := runTracked(ref, cmd, &stderr); err != nil {
		os.Remove(side)
		return fmt.Errorf("apply loudness to %s: %w", path, err)
	}

	if err := os.Rename(side, path); err != nil {
		os.Remove(side)
		return fmt.Errorf("replace %s with normalized output: %w", path, err)
	}
	return nil
}

// containerFor maps an output format to an explicit muxer so the side
// file's extension does not matter.
func containerFor(format string) string {
	switch format {
	case "aac":
		return "adts"
	case "mp3":
		return "mp3"
	default:
		return "wav"
	}
}
