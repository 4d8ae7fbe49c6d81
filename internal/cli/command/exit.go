package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2   // bad flags, arguments, configuration or input
	ExitRemote      = 3   // remote unavailable or throttled after retries
	ExitRejected    = 4   // remote rejected the request or the session failed
	ExitPartial     = 5   // some export tasks failed
	ExitPending     = 6   // polling budget exhausted; resumable
	ExitInterrupted = 130 // SIGINT
)

// ExitCode maps an error returned by App().Run onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	var ue usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	var te *domain.TaskError
	if errors.As(err, &te) {
		return ExitPartial
	}

	switch code := domain.GetErrorCode(err); {
	case strings.HasPrefix(code, "KS-ARG-"):
		return ExitUsage
	case code == domain.ErrPollingTimeout.Code:
		return ExitPending
	case code == domain.ErrRateLimited.Code,
		code == domain.ErrRemoteUnavailable.Code,
		code == domain.ErrAggregateUpload.Code:
		return ExitRemote
	case code == domain.ErrRemoteRejected.Code,
		code == domain.ErrSessionFailed.Code,
		code == domain.ErrExportFailed.Code:
		return ExitRejected
	}
	return ExitFailure
}

// PrintError writes err to w, one joined error per line.
func PrintError(w io.Writer, err error) {
	if err == nil {
		return
	}
	for _, line := range strings.Split(err.Error(), "\n") {
		fmt.Fprintf(w, "error: %s\n", line)
	}
}
