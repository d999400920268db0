// Package cli implements posctl, the operator tool for a register's local
// store: inspect the outbox, force a sync, read reports, back up and restore.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"stallpos/internal/app"
	"stallpos/internal/config"
)

// RootOptions holds global flags for all commands. Flags left empty keep
// the value from the config file and environment.
type RootOptions struct {
	Config  string
	DataDir string
	Branch  string
	Store   string
	Remote  string
	Format  string // "json" | "text"
	Verbose bool
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "posctl",
		Short: "Inspect and repair a register's local store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.Config, "config", "c", "", "YAML config file")
	f.StringVar(&opts.DataDir, "data-dir", "", "data directory (store, snapshots, journal)")
	f.StringVar(&opts.Branch, "branch", "", "branch id")
	f.StringVar(&opts.Store, "store", "", "store backend (pebble|badger|memory)")
	f.StringVar(&opts.Remote, "remote", "", "remote mode (mysql|memory|off)")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level to stderr")

	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewMenusCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// load resolves the config with flag overrides applied last.
func (o *RootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.Config, func(c *config.Config) {
		if o.DataDir != "" {
			c.DataDir = o.DataDir
		}
		if o.Branch != "" {
			c.BranchID = o.Branch
		}
		if o.Store != "" {
			c.Store = o.Store
		}
		if o.Remote != "" {
			c.Remote.Mode = o.Remote
		}
		if o.Verbose {
			c.LogLevel = "debug"
		}
	})
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// open wires the register for one command. Logs go to stderr so they never
// mix with --format json output.
func (o *RootOptions) open(ctx context.Context, stderr io.Writer) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if !o.Verbose {
		cfg.LogLevel = "warn"
	}
	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "logger", err)
	}
	log.SetOutput(stderr)
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open register", err)
	}
	return a, nil
}
