// Package server provides server-related CLI commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrei-cloud/go_fcgid/internal/app"
	"github.com/andrei-cloud/go_fcgid/internal/config"
	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// transport is implemented by both server types.
type transport interface {
	Start() error
	Stop() error
}

// NewServeCommand creates the serve command.
func NewServeCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the script server",
		Long: `Start the FastCGI (or TCP) server. Scripts are resolved below the document
root and kept loaded in pooled interpreter states.`,
		RunE: runServe,
	}

	// Flags that can override config.
	cmd.Flags().String("protocol", config.ProtocolFCGI, "transport (fcgi, tcp)")
	cmd.Flags().String("listen", "", "listen address or unix socket path")
	cmd.Flags().Int("workers", 4, "number of worker goroutines")
	cmd.Flags().Bool("watch", false, "invalidate scripts on filesystem events")

	for key, flag := range map[string]string{
		"server.protocol": "protocol",
		"server.listen":   "listen",
		"server.workers":  "workers",
		"monitor.watch":   "watch",
	} {
		if err := config.BindFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}

func newTransport(a *app.App) (transport, error) {
	opts, err := a.ServerOptions()
	if err != nil {
		return nil, err
	}

	cfg := a.Config
	switch cfg.Server.Protocol {
	case config.ProtocolTCP:
		return server.NewTCPServer(cfg.Server.Listen, a.Workers, opts)
	default:
		srv := server.NewFCGIServer(cfg.Server.Listen, a.Workers, opts)
		if err := srv.Listen(); err != nil {
			return nil, err
		}
		return srv, nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Get()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize script stack: %w", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("error while releasing scripts")
		}
	}()

	srv, err := newTransport(a)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// Dump pool state on SIGHUP.
	infoChan := make(chan os.Signal, 1)
	signal.Notify(infoChan, syscall.SIGHUP)
	defer signal.Stop(infoChan)
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		reportOnSignal(ctx, infoChan, a)
	}()
	defer func() {
		cancel()
		<-reportDone
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopChan)

	for {
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			// A transport may return from Start once it is listening.
			errChan = nil
		case <-stopChan:
			log.Info().Msg("shutting down server...")
			if err := srv.Stop(); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("error during server shutdown")
			}
			return nil
		}
	}
}

// reportOnSignal logs pool state for every value received on sig until ctx
// is done.
func reportOnSignal(ctx context.Context, sig <-chan os.Signal, a *app.App) {
	owner := rwlock.NewOwner()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			stats := a.Pool.Stats()
			log.Info().
				Str("event", "pool_info").
				Interface("slots", a.Pool.ServerInfo(owner)).
				Uint64("requests", stats.Requests).
				Uint64("reloads", stats.Reloads).
				Uint64("ephemeral", stats.Ephemeral).
				Int("busy_workers", a.Workers.Busy()).
				Msg("pool state")
		}
	}
}
