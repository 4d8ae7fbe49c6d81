package main

import (
	"context"
	"os"

	"github.com/yndnr/ksefsync-go/internal/cli/command"
	"github.com/yndnr/ksefsync-go/internal/infra/shutdown"
)

func main() {
	ctx, stop := shutdown.WithSignals(context.Background())
	err := command.App().RunContext(ctx, os.Args)
	stop()

	if err != nil {
		command.PrintError(os.Stderr, err)
		os.Exit(command.ExitCode(err))
	}
}
