// Package cli implements the nudgectl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-cart-recovery/internal/app"
	"github.com/imrishuroy/go-cart-recovery/internal/config"
	"github.com/imrishuroy/go-cart-recovery/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"

	// LoadConfig is swapped out in tests.
	LoadConfig func() (*config.Config, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for nudgectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LoadConfig: config.Load}

	cmd := &cobra.Command{
		Use:   "nudgectl",
		Short: "Operate the cart recovery pipeline",
		Long:  "Run the API and scheduler, trigger ticks and inspect the campaign catalog.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewLoopCommand(opts))
	cmd.AddCommand(NewTemplatesCommand(opts))

	return cmd
}

func (o *RootOptions) wire(ctx context.Context) (*app.App, error) {
	cfg, err := o.LoadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, o.logger(cfg))
}

func (o *RootOptions) logger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
