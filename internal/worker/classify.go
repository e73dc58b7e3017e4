package worker

import (
	"errors"
	"regexp"
	"syscall"

	"github.com/audiopipe/audiopipe/internal/pipeline"
	"github.com/audiopipe/audiopipe/internal/recipe"
)

// serverStatusRe spots 5xx status codes surfaced in error messages from
// the HTTP clients. 4xx is the caller's fault and never retried.
var serverStatusRe = regexp.MustCompile(`status 5\d\d\b`)

// transientErrnos are the socket-level failures that a retry against
// the same input can plausibly clear.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
}

// transientErr reports whether err is a transient infrastructure
// failure worth a single retry. The classifier is deliberately closed:
// anything not positively identified as transient is permanent.
func transientErr(err error) bool {
	if err == nil {
		return false
	}
	var rerr *recipe.Error
	if errors.Is(err, pipeline.ErrValidation) || errors.As(err, &rerr) {
		return false
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return serverStatusRe.MatchString(err.Error())
}
