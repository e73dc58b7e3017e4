// Package media wraps the external ffmpeg, ffprobe and yt-dlp tools
// behind argv invocations with parsed output.
package media

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/audiopipe/audiopipe/internal/proc"
)

// Runner invokes the configured tool binaries.
type Runner struct {
	FFmpeg  string
	FFprobe string
	Ytdlp   string
}

func NewRunner(ffmpeg, ffprobe, ytdlp string) *Runner {
	return &Runner{FFmpeg: ffmpeg, FFprobe: ffprobe, Ytdlp: ytdlp}
}

// runTracked runs a started-to-completion command while exposing its
// handle through ref so the cancellation watcher can kill it mid-run.
func runTracked(ref *proc.Ref, cmd *exec.Cmd, stderr *bytes.Buffer) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	h := proc.NewHandle(cmd)
	if ref != nil {
		ref.Set(h)
	}
	err := cmd.Wait()
	h.MarkDone()
	if ref != nil {
		ref.Set(nil)
	}
	if err != nil {
		detail := ""
		if stderr != nil {
			detail = tail(stderr.String(), 500)
		}
		return fmt.Errorf("%s exited: %w: %s", cmd.Path, err, detail)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ffmpegBase returns the common ffmpeg argument prefix.
func (r *Runner) ffmpegBase() []string {
	return []string{"-hide_banner", "-nostdin", "-y"}
}
