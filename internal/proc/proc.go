// Package proc tracks the external process a pipeline is currently
// waiting on so the cancellation watcher can terminate it out-of-band.
package proc

import (
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrCancelled is returned by pipelines that observe a cancellation at
// one of their checkpoints and stop early.
var ErrCancelled = errors.New("job cancelled")

// Token is a cooperative cancellation flag. Pipelines poll it at coarse
// checkpoints; it never interrupts in-flight Go code by itself.
type Token struct {
	cancelled atomic.Bool
}

func NewToken() *Token {
	return &Token{}
}

func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Handle wraps a started command. done is closed once Wait has
// returned, which is the only reliable signal that the process exited.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewHandle registers a started command. The caller must invoke
// MarkDone exactly once after cmd.Wait returns.
func NewHandle(cmd *exec.Cmd) *Handle {
	return &Handle{cmd: cmd, done: make(chan struct{})}
}

func (h *Handle) MarkDone() {
	close(h.done)
}

// Kill escalates SIGTERM to SIGKILL after the grace window and returns
// only once the process has actually exited. Waiting on done rather
// than a timer avoids signalling a process that already left.
func (h *Handle) Kill(grace time.Duration) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	_ = h.cmd.Process.Kill()
	<-h.done
}

// Ref is the shared mutable cell through which a pipeline exposes its
// current child process to the cancellation watcher.
type Ref struct {
	mu sync.Mutex
	h  *Handle
}

func NewRef() *Ref {
	return &Ref{}
}

// Set installs the handle for the currently running child, or clears it
// with nil once the child has been waited on.
func (r *Ref) Set(h *Handle) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

// Kill terminates the tracked child, if any, with the given grace
// window. A nil ref cell just means there is nothing to kill yet.
func (r *Ref) Kill(grace time.Duration) {
	r.mu.Lock()
	h := r.h
	r.mu.Unlock()
	if h != nil {
		h.Kill(grace)
	}
}
