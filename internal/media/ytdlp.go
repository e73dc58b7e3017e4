package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/audiopipe/audiopipe/internal/proc"
)

// downloadPct matches yt-dlp's "[download]  42.3% of ..." lines.
var downloadPct = regexp.MustCompile(`\[download\]\s+([0-9.]+)%`)

// ExtractAudio downloads a video's audio track as WAV via yt-dlp.
// onProgress receives download percentages (0-100) parsed from stdout.
func (r *Runner) ExtractAudio(ctx context.Context, url, outPath string, ref *proc.Ref, onProgress func(float64)) error {
	cmd := exec.CommandContext(ctx, r.Ytdlp,
		"--no-playlist",
		"--newline",
		"-x",
		"--audio-format", "wav",
		"-o", outPath,
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("yt-dlp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	h := proc.NewHandle(cmd)
	if ref != nil {
		ref.Set(h)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		m := downloadPct.FindSubmatch(scanner.Bytes())
		if m == nil || onProgress == nil {
			continue
		}
		pct, err := strconv.ParseFloat(string(m[1]), 64)
		if err != nil {
			continue
		}
		onProgress(pct)
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep draining stdout so the child cannot wedge on a full
		// pipe before Wait reaps it.
		io.Copy(io.Discard, stdout)
	}

	err = cmd.Wait()
	h.MarkDone()
	if ref != nil {
		ref.Set(nil)
	}
	if err != nil {
		return fmt.Errorf("yt-dlp exited: %w: %s", err, tail(stderr.String(), 500))
	}
	if scanErr != nil {
		return fmt.Errorf("yt-dlp output scan: %w", scanErr)
	}
	return nil
}
