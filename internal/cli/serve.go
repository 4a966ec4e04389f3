package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chainlog/internal/config"
	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/server"
	"github.com/roach88/chainlog/internal/stream"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr  string
	Rules string

	// Ready is called with the bound address once the listener is open (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger over HTTP",
		Long: `Open the database and serve submissions, reads and the transaction
stream over HTTP until interrupted.

Example:
  chainlog serve --db ./ledger.db --addr :8080
  chainlog serve --config ./chainlog.yaml --rules ./rules.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Rules, "rules", "", "CUE rules file or directory (switches validator.mode to rules)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Rules != "" {
		cfg.Validator.Mode = config.ModeRules
		cfg.Validator.Rules = opts.Rules
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	var (
		hub     *stream.Hub
		engOpts []engine.Option
		srvOpts []server.Option
	)
	if cfg.Stream.Enabled {
		hub = stream.NewHub(st,
			stream.WithQueueSize(cfg.Stream.QueueSize),
			stream.WithReplayBatch(cfg.Stream.ReplayBatch),
		)
		defer hub.Close()
		engOpts = append(engOpts, engine.WithPublisher(hub))
		srvOpts = append(srvOpts, server.WithStream(hub))
	}

	eng, err := newEngine(cfg, st, engOpts...)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           server.New(eng, st, srvOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	slog.Info("server listening",
		"addr", addr,
		"db", cfg.Storage.Path,
		"validator", cfg.Validator.Mode,
		"stream", cfg.Stream.Enabled,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Websocket handlers are hijacked and not tracked by Shutdown.
	if hub != nil {
		srv.RegisterOnShutdown(hub.Close)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
