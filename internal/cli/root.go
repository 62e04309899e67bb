// Package cli is the healthscan command line: manual barcode entry and
// history management on top of the same service the websocket server runs.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/franckalain/healthscan/internal/app"
	"github.com/franckalain/healthscan/internal/config"
	"github.com/franckalain/healthscan/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Token      string
	Format     string // "json" | "text"
	Verbose    bool
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "healthscan",
		Short: "Scan product barcodes and keep a health-graded history",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.GetConfigPath(), "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "access token; acts as the signed-in user")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewPreferencesCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

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

// openApp loads configuration, builds the service and signs in when a token
// was given. The caller closes the returned app.
func openApp(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	mode := "test"
	if opts.Verbose {
		mode = cfg.Log.Mode
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a, err := app.New(ctx, cfg, log, app.Overrides{})
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		if _, err := a.Session.SignIn(opts.Token); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
