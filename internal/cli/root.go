// Package cli is the crosspost admin command line: credentials, manual
// runs and reports over the same storage the daemon uses.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/dmitrijs2005/crosspost/internal/app"
	"github.com/dmitrijs2005/crosspost/internal/buildinfo"
	"github.com/dmitrijs2005/crosspost/internal/config"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the crosspost command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "crosspost",
		Short: "crosspost - Twitter/Bluesky mirror administration",
		Long: `Administer the crosspost sync daemon: store platform credentials,
rotate the master key, trigger runs and inspect their history.

Configuration comes from the file given with --config and the environment,
the same way the daemon reads it.`,
		Version:       buildinfo.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to JSON config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewCredentialCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewAnalyticsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) logger(cfg *config.Config, w io.Writer) logging.Logger {
	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	return logging.New(w, "text", level)
}

// openApp builds the application for one command. The caller closes it.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, o.logger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open storage", err)
	}
	return a, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context(), cfg); err != nil {
				return WrapExitError(ExitCommandError, "migrate", err)
			}
			return opts.output(cmd).Message("schema is up to date")
		},
	}
}
