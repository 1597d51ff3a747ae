// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-livesync/livesync"
	"github.com/mobiletoly/go-livesync/pgremote"
	"github.com/mobiletoly/go-livesync/sqliteremote"
	"github.com/mobiletoly/go-livesync/syncserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Addr       string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve collections over HTTP with live change streams",
		Long: `Serve the configured collections from Postgres or SQLite.

Every collection table is created if missing. DATABASE_URL and JWT_SECRET
override the config file.

Example:
  livesync serve --config livesync.yaml
  JWT_SECRET=dev livesync serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")

	return cmd
}

// backend is an opened remote store.
type backend struct {
	remote livesync.Remote
	ensure func(ctx context.Context, name string) error
	close  func()
}

func openBackend(ctx context.Context, cfg *ServeConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case BackendPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		// Each open change stream holds a connection for LISTEN.
		poolConfig.MaxConns = int32(len(cfg.Collections)*4 + 10)
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := pgremote.New(pool, &pgremote.Config{Schema: cfg.Schema, ChannelPrefix: cfg.ChannelPrefix}, logger)
		return &backend{remote: store, ensure: store.EnsureCollection, close: pool.Close}, nil

	case BackendSQLite:
		store, err := sqliteremote.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			remote: store,
			ensure: store.EnsureCollection,
			close: func() {
				if err := store.Close(); err != nil {
					logger.Error("Failed to close database", "error", err)
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func runServe(parent context.Context, opts *ServeOptions) error {
	logger := opts.logger(os.Stderr)

	cfg, err := LoadServeConfig(opts.ConfigPath, os.Getenv)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	for _, name := range cfg.Collections {
		if err := be.ensure(ctx, name); err != nil {
			return fmt.Errorf("failed to prepare collection %s: %w", name, err)
		}
	}

	srv, err := syncserver.NewServer(be.remote, &syncserver.ServerConfig{
		Addr:           cfg.Addr,
		Collections:    cfg.Collections,
		JWTSecret:      cfg.JWTSecret,
		AllowDevSignin: cfg.AllowDevSignin,
		TokenTTL:       cfg.TokenTTL,
		PingInterval:   cfg.PingInterval,
		LogRequests:    cfg.LogRequests,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	// Runs before the backend closes, so pooled LISTEN connections are released.
	defer srv.Close()
	httpServer := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting livesync server",
			"addr", httpServer.Addr,
			"backend", cfg.Backend,
			"collections", len(cfg.Collections),
			"dev_signin", cfg.AllowDevSignin)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
