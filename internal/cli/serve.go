// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/openllm-chat/internal/config"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat HTTP API",
		Long: `Serve the chat HTTP API on the configured address until interrupted.

The config file is watched and reloaded on SIGHUP; log level changes apply
immediately, other changes on the next start.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := openApp(ctx, root, "stderr")
			if err != nil {
				return err
			}
			defer app.Close()

			cfg := app.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			srv := server.New(server.Options{
				Addr:           cfg.Server.Addr,
				Store:          app.Store,
				Senders:        app.Sender,
				Titles:         app.Titles(),
				UserID:         app.User.ID,
				Throttle:       cfg.Throttle(),
				Keepalive:      cfg.Keepalive(),
				CORSOrigins:    cfg.Server.CORSOrigins,
				RateLimitRPS:   cfg.Server.RateLimitRPS,
				RateLimitBurst: cfg.Server.RateLimitBurst,
				Logger:         app.Logger,
			})

			if !root.quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s http://%s\n", successStyle.Render("Listening on"), cfg.Server.Addr)
			}

			sink := cfg.Log.Sink
			if sink == "" {
				sink = "stderr"
			}
			path := configFilePath(root)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})
			g.Go(func() error {
				return reloadOnHangup(gctx, path, sink, app.Logger)
			})
			if watch && path != "" {
				g.Go(func() error {
					return watchConfig(gctx, path, sink, app.Logger)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overriding server.addr (e.g. 127.0.0.1:8787)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

// watchConfig applies log level changes from the config file. A watcher
// that cannot start is logged and does not stop the server.
func watchConfig(ctx context.Context, path, sink string, logger *zap.Logger) error {
	err := config.Watch(ctx, path, func(*config.Config) {
		applyGlobalConfig(sink, logger)
	}, logger)
	if err != nil {
		logger.Warn("config_watch_unavailable", zap.String("path", path), zap.Error(err))
	}
	return nil
}

// reloadOnHangup reloads the configuration on each SIGHUP until ctx is done.
// An empty path reloads from the default locations.
func reloadOnHangup(ctx context.Context, path, sink string, logger *zap.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := config.ReloadGlobal(path); err != nil {
				logger.Warn("config_reload_failed", zap.String("path", path), zap.Error(err))
				continue
			}
			applyGlobalConfig(sink, logger)
		}
	}
}

// applyGlobalConfig rebuilds the logger from the global configuration.
func applyGlobalConfig(sink string, logger *zap.Logger) {
	level := config.Global().Log.Level
	if _, err := logging.Init(logging.Options{Level: level, Sink: sink}); err != nil {
		logger.Warn("log_reconfigure_failed", zap.Error(err))
		return
	}
	logging.L().Info("log_reconfigured", zap.String("level", level))
}
