// Package cli implements the datamapper command line: validate mapper
// configuration, render statements and run them against the configured
// database.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"

	"github.com/Konsultn-Engineering/datamapper/config"
	_ "github.com/Konsultn-Engineering/datamapper/providers/postgres"
	_ "github.com/Konsultn-Engineering/datamapper/providers/sqlite"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the datamapper root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "datamapper",
		Short: "Inspect and run mapped SQL statements",
		Long: `datamapper loads a settings file and its mapper files, checks the
statements they declare, renders their SQL for a parameter and runs them
against the configured database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every execution to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRenderCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))

	return cmd
}

// logger writes warnings to w, or every execution when verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// types resolves every class name to map[string]any: the command line has
// no access to the application's Go types.
func types() *config.Types {
	t := config.NewTypes()
	t.SetFallback(reflect.TypeFor[map[string]any]())
	return t
}
