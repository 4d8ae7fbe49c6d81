package command

import (
	"sync"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/ksefsync-go/internal/infra/buildinfo"
)

// App creates the CLI application.
func App() *cli.App {
	st := &state{}
	return &cli.App{
		Name:    "ksefsync",
		Usage:   "Batch submission and incremental export for the KSeF e-invoicing service",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			BatchCommand(st),
			ExportCommand(st),
			ConfigCommand(),
			VersionCommand(),
		},
		After: func(*cli.Context) error {
			return st.close()
		},
		// Exit codes are derived by the caller from the returned error.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Config file (default ~/.ksefsync/config.yaml)",
			EnvVars: []string{"KSEFSYNC_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"e"},
			Usage:   "Remote environment: test, demo, prod",
		},
		&cli.StringFlag{
			Name:  "base-url",
			Usage: "Override the environment base URL",
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "Bearer access token (prefer KSEFSYNC_TOKEN)",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, wide, json, yaml",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve Prometheus metrics on this address (e.g., 127.0.0.1:9464)",
		},
	}
}

// flagKeys maps global flags onto config keys.
var flagKeys = map[string]string{
	"environment":  "environment",
	"base-url":     "base_url",
	"token":        "token",
	"output":       "output",
	"log-level":    "log.level",
	"metrics-addr": "metrics.addr",
}

// flagOverrides returns the config overrides for flags set on the command line.
func flagOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	return overrides
}

// state holds the Runtime shared by the commands of one App run.
type state struct {
	mu sync.Mutex
	rt *Runtime
}

// runtime returns the Runtime, creating it on first use.
func (s *state) runtime(c *cli.Context) (*Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt != nil {
		return s.rt, nil
	}
	rt, err := newRuntime(c)
	if err != nil {
		return nil, err
	}
	s.rt = rt
	return rt, nil
}

func (s *state) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt == nil {
		return nil
	}
	err := s.rt.Close()
	s.rt = nil
	return err
}
