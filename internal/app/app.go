// Package app assembles the runtimes, tracker, pool and workers described by
// a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andrei-cloud/go_fcgid/internal/config"
	"github.com/andrei-cloud/go_fcgid/internal/monitor"
	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/script"
	"github.com/andrei-cloud/go_fcgid/internal/server"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/andrei-cloud/go_fcgid/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// App is a running script execution stack.
type App struct {
	Config  *config.Config
	Mux     *script.Mux
	Tracker *monitor.Tracker
	Pool    *statepool.Pool
	Workers *worker.Set
	Watcher *monitor.Watcher

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the stack on the OS filesystem.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	return NewWithFs(ctx, cfg, afero.NewOsFs())
}

// NewWithFs builds the stack reading scripts from fsys. The watcher is only
// started for the OS filesystem.
func NewWithFs(ctx context.Context, cfg *config.Config, fsys afero.Fs) (*App, error) {
	var prelude []byte
	if cfg.Pool.Prelude != "" {
		data, err := os.ReadFile(cfg.Pool.Prelude)
		if err != nil {
			return nil, fmt.Errorf("read prelude: %w", err)
		}
		prelude = data
	}

	mux, err := script.NewDefaultMux(ctx, prelude, cfg.Pool.Prelude)
	if err != nil {
		return nil, fmt.Errorf("create runtimes: %w", err)
	}

	a := &App{Config: cfg, Mux: mux, done: make(chan struct{})}
	a.Tracker = monitor.NewTracker(fsys, cfg.TrackerOptions())

	if a.Pool, err = statepool.New(mux, a.Tracker, cfg.PoolOptions()); err != nil {
		_ = mux.Close(ctx)
		return nil, err
	}
	if a.Workers, err = worker.New(cfg.Server.Workers, a.Pool); err != nil {
		_ = mux.Close(ctx)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	if _, osfs := fsys.(*afero.OsFs); cfg.Monitor.Watch && osfs {
		if a.Watcher, err = monitor.NewWatcher(a.Tracker); err != nil {
			cancel()
			_ = a.Workers.Close()
			_ = mux.Close(ctx)
			return nil, err
		}
		go func() {
			defer close(a.done)
			if err := a.Watcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("event", "watcher_stopped").Msg("file watcher failed")
			}
		}()
	} else {
		close(a.done)
	}

	log.Info().
		Str("event", "app_ready").
		Str("root", a.Tracker.Root()).
		Strs("extensions", mux.Extensions()).
		Int("workers", a.Workers.Size()).
		Bool("watch", a.Watcher != nil).
		Msg("script stack ready")

	return a, nil
}

// ServerOptions derives the transport options.
func (a *App) ServerOptions() (server.Options, error) {
	maxPost, err := a.Config.MaxPostBytes()
	if err != nil {
		return server.Options{}, err
	}

	return server.Options{
		Headers: a.Config.Headers(),
		MaxPost: maxPost,
		Key:     a.Tracker.Key,
	}, nil
}

// Close stops the workers and the watcher, then releases every loaded
// script and runtime.
func (a *App) Close(ctx context.Context) error {
	errs := []error{a.Workers.Close()}

	a.cancel()
	if a.Watcher != nil {
		errs = append(errs, a.Watcher.Close())
	}
	<-a.done

	stats := a.Pool.Stats()
	log.Info().
		Str("event", "app_stopped").
		Uint64("requests", stats.Requests).
		Uint64("reused", stats.Reused).
		Uint64("created", stats.Created).
		Uint64("ephemeral", stats.Ephemeral).
		Uint64("reloads", stats.Reloads).
		Uint64("not_found", stats.NotFound).
		Uint64("failures", stats.Failures).
		Msg("script stack stopped")

	errs = append(errs, a.Pool.Close(rwlock.NewOwner()), a.Mux.Close(ctx))

	return errors.Join(errs...)
}
