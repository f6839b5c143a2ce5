package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/tasksync/internal/config"
	"github.com/kimhsiao/tasksync/internal/logging"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// RootOptions holds global flags and the loaded configuration.
type RootOptions struct {
	ConfigFile string
	Output     string

	v   *viper.Viper
	cfg *config.Config
}

// Config returns the configuration loaded before the command ran.
func (o *RootOptions) Config() *config.Config {
	return o.cfg
}

// NewRootCommand creates the root command for the tasksync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "tasksync",
		Short: "Offline task store with a durable sync engine",
		Long: `tasksync keeps tasks in a local SQLite database and reconciles them with a
remote authority. Every local change is queued and replayed in batches when
the remote is reachable; concurrent edits are resolved last-write-wins.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Output) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid output %q: must be one of %v", opts.Output, ValidFormats))
			}
			cfg, err := config.Load(opts.v, opts.ConfigFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.cfg = cfg

			logOpts := cfg.Logging()
			logOpts.Out = cmd.ErrOrStderr()
			logging.Configure(logOpts)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default: ./tasksync.yaml or $HOME/.tasksync/tasksync.yaml)")
	flags.StringVarP(&opts.Output, "output", "o", "text", "output format (text|json|yaml)")
	flags.String("data-dir", "", "directory holding the local database")
	flags.String("endpoint", "", "remote authority base URL (empty: simulated remote)")
	flags.String("transport", "", "remote transport (http|websocket|simulated)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")

	for key, flag := range map[string]string{
		"data_dir":       "data-dir",
		"sync.endpoint":  "endpoint",
		"sync.transport": "transport",
		"log.level":      "log-level",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTaskCommand(opts))
	cmd.AddCommand(NewDeadLetterCommand(opts))
	cmd.AddCommand(NewRemoteCommand(opts))

	return cmd
}
