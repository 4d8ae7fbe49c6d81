package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

func TestApp(t *testing.T) {
	app := App()

	if app.Name != "ksefsync" {
		t.Errorf("Name = %q, want %q", app.Name, "ksefsync")
	}

	cmdNames := make(map[string]bool)
	for _, cmd := range app.Commands {
		cmdNames[cmd.Name] = true
	}
	for _, name := range []string{"batch", "export", "config", "version"} {
		if !cmdNames[name] {
			t.Errorf("missing command: %s", name)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	flagNames := make(map[string]bool)
	for _, f := range globalFlags() {
		for _, name := range f.Names() {
			flagNames[name] = true
		}
	}

	for _, name := range []string{"config", "c", "environment", "e", "base-url", "token", "output", "o", "log-level", "metrics-addr"} {
		if !flagNames[name] {
			t.Errorf("missing flag: %s", name)
		}
	}
	for flag := range flagKeys {
		if !flagNames[flag] {
			t.Errorf("flagKeys names unknown flag %q", flag)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), ExitInterrupted},
		{"usage", usageError{errors.New("bad flag")}, ExitUsage},
		{"validation", domain.ErrValidation.WithDetails("x"), ExitUsage},
		{"partial", errors.Join(&domain.TaskError{Cause: errors.New("boom")}), ExitPartial},
		{"polling", domain.ErrPollingTimeout.WithDetails("x"), ExitPending},
		{"throttled", domain.ErrRateLimited, ExitRemote},
		{"unavailable", domain.ErrRemoteUnavailable, ExitRemote},
		{"upload", domain.ErrAggregateUpload, ExitRemote},
		{"upload with rejected part", domain.NewAggregateUploadError("20250101-SB-0001", []domain.PartFailure{
			{Ordinal: 2, Err: domain.ErrRemoteUnavailable.WithStatus(503)},
			{Ordinal: 1, Err: domain.ErrRemoteRejected.WithStatus(400)},
		}), ExitRemote},
		{"rejected", domain.ErrRemoteRejected, ExitRejected},
		{"session failed", domain.ErrSessionFailed.WithDetails("x"), ExitRejected},
		{"export failed", domain.ErrExportFailed, ExitRejected},
		{"checkpoint", domain.ErrCheckpoint, ExitFailure},
		{"plain", errors.New("disk full"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestPrintError(t *testing.T) {
	var b strings.Builder
	PrintError(&b, errors.Join(errors.New("first"), errors.New("second")))

	want := "error: first\nerror: second\n"
	if b.String() != want {
		t.Errorf("PrintError() = %q, want %q", b.String(), want)
	}

	b.Reset()
	PrintError(&b, nil)
	if b.Len() != 0 {
		t.Errorf("PrintError(nil) wrote %q", b.String())
	}
}

func TestApp_MissingConfigFile(t *testing.T) {
	_, _, err := runApp(t, "", "--config", "/nonexistent/ksefsync.yaml", "config", "show")
	if code := ExitCode(err); code != ExitUsage {
		t.Errorf("ExitCode = %d, want %d (%v)", code, ExitUsage, err)
	}
}
