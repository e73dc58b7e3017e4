package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/audiopipe/audiopipe/internal/proc"
)

// Info is the parsed ffprobe summary of an audio file.
type Info struct {
	Duration   float64
	SampleRate int
	Channels   int
	Codec      string
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Probe runs ffprobe and returns duration, sample rate, channel count
// and codec of the first audio stream.
func (r *Runner) Probe(ctx context.Context, path string, ref *proc.Ref) (*Info, error) {
	cmd := exec.CommandContext(ctx, r.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := runTracked(ref, cmd, &stderr); err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("probe %s: parse output: %w", path, err)
	}

	info := &Info{}
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("probe %s: parse duration %q: %w", path, out.Format.Duration, err)
		}
		info.Duration = d
	}

	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.Codec = s.CodecName
		info.Channels = s.Channels
		if s.SampleRate != "" {
			sr, err := strconv.Atoi(s.SampleRate)
			if err != nil {
				return nil, fmt.Errorf("probe %s: parse sample rate %q: %w", path, s.SampleRate, err)
			}
			info.SampleRate = sr
		}
		break
	}
	if info.Codec == "" {
		return nil, fmt.Errorf("probe %s: no audio stream found", path)
	}
	return info, nil
}
