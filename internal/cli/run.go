package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand runs the HTTP API and the scheduler loop in one process.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var noLoop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduler loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.wire(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              a.Config.HTTPAddr,
				Handler:           a.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.Logger.Info("http server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noLoop {
				g.Go(func() error { return a.Loop.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noLoop, "no-loop", false, "serve the API only; ticks come from an external scheduler")
	return cmd
}

// NewTickCommand runs exactly one scheduler tick and prints its rollup.
func NewTickCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			r, tickErr := a.Loop.Tick(cmd.Context())
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if err := writeJSON(out, r); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "abandoned=%d sent=%d failed=%d skipped=%d completed=%d\n",
					r.Abandoned, r.Sent, r.Failed, r.Skipped, r.Completed)
			}
			return tickErr
		},
	}
}

// NewLoopCommand runs the scheduler loop until interrupted.
func NewLoopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Run the scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.wire(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Loop.Run(ctx)
		},
	}
}
