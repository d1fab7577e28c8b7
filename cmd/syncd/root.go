package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/sitesync/internal/config"
	"github.com/kimhsiao/sitesync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	DataDir    string
	LogLevel   string

	cfg *config.Config
}

// NewRootCommand creates the root command for the syncd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "syncd - offline mutation queue for site data",
		Long: `syncd keeps the field edits made without connectivity in a durable queue
and replays them against the project API when the device is back online.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file (default .env)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "queue directory (overrides data_dir)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (overrides log_level)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunOnceCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// load resolves the configuration, applies flag overrides and sets up logging.
func (o *RootOptions) load() error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: o.ConfigFile, EnvFile: o.EnvFile})
	if err != nil {
		return err
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logging.Init(os.Stderr, cfg.Level())
	logging.Get().SetLevel(cfg.Level())
	o.cfg = cfg
	return nil
}

// Execute runs the root command and exits non-zero on error.
func Execute(ctx context.Context) {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
