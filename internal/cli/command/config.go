package command

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/yndnr/ksefsync-go/internal/cli/config"
	"github.com/yndnr/ksefsync-go/internal/cli/output"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect and create configuration",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the effective configuration with secrets masked",
				Action: configShow,
			},
			{
				Name:   "validate",
				Usage:  "Load and verify the configuration",
				Action: configValidate,
			},
			{
				Name:      "init",
				Usage:     "Write a config file with default values",
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Overwrite an existing file",
					},
				},
				Action: configInit,
			},
		},
	}
}

// loadConfig loads the configuration named by the global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadWith(config.NewLoader(c.String("config"), flagOverrides(c)))
	if err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

func configShow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(cfg.Output)
	if err != nil {
		return usageError{err}
	}

	sanitized := config.Sanitize(cfg)
	var data any
	switch format {
	case output.FormatJSON, output.FormatYAML:
		data = config.ToMap(sanitized)
	default:
		flat := config.Flat(sanitized)
		for k, v := range flat {
			if list, ok := v.([]string); ok {
				flat[k] = strings.Join(list, ",")
			}
		}
		data = flat
	}
	return output.NewFormatter(format, false).Format(c.App.Writer, data)
}

func configValidate(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}
	path := c.String("config")
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			path = "defaults"
		}
	}
	fmt.Fprintf(c.App.Writer, "configuration is valid (%s)\n", path)
	return nil
}

func configInit(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = c.String("config")
	}
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return usageError{fmt.Errorf("%s already exists (use --force to overwrite)", path)}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	data, err := yaml.Marshal(config.ToMap(config.Default()))
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}
