package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"

	"github.com/audiopipe/audiopipe/internal/proc"
)

// waveformRate keeps the decoded PCM small; peak buckets do not need
// full fidelity.
const waveformRate = 8000

// WaveformPeaks decodes the file to mono 16-bit PCM and reduces it to
// per-bucket peak amplitudes in [0, 1], for waveform display.
func (r *Runner) WaveformPeaks(ctx context.Context, path string, buckets int, ref *proc.Ref) ([]float64, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("waveform buckets must be > 0, got %d", buckets)
	}

	args := append(r.ffmpegBase(),
		"-i", path,
		"-ac", "1",
		"-ar", fmt.Sprint(waveformRate),
		"-f", "s16le",
		"-",
	)
	cmd := exec.CommandContext(ctx, r.FFmpeg, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := runTracked(ref, cmd, &stderr); err != nil {
		return nil, fmt.Errorf("decode %s for waveform: %w", path, err)
	}

	return peaksFromPCM(stdout.Bytes(), buckets), nil
}

// peaksFromPCM folds little-endian 16-bit samples into bucket maxima.
func peaksFromPCM(pcm []byte, buckets int) []float64 {
	samples := len(pcm) / 2
	peaks := make([]float64, buckets)
	if samples == 0 {
		return peaks
	}

	perBucket := samples / buckets
	if perBucket == 0 {
		perBucket = 1
	}

	for i := 0; i < samples; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		abs := math.Abs(float64(v)) / 32768
		b := i / perBucket
		if b >= buckets {
			b = buckets - 1
		}
		if abs > peaks[b] {
			peaks[b] = abs
		}
	}
	return peaks
}
