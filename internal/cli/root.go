// Package cli implements the turnrouter command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/turnrouter/config"
	"github.com/xiaot623/gogo/turnrouter/internal/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string

	cfg *config.Config
}

// NewRootCommand builds the turnrouter command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "turnrouter",
		Short:         "Route chat turns to capability handlers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			load := config.Load
			if opts.configFile != "" {
				load = func() (*config.Config, error) { return config.LoadFile(opts.configFile) }
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = opts.logFormat
			}
			if err := logging.SetupWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format: console or json")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(),
		newSessionsCommand(opts),
	)
	return root
}
