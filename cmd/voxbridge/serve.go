package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

// version is set at build time via -ldflags.
var version = "dev"

func newServeCmd(f *rootFlags) *cobra.Command {
	var (
		listen string
		mode   string
		watch  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, found, err := loadConfig(f)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			if mode != "" {
				cfg.Upstream.Mode = config.Mode(mode)
				if !cfg.Upstream.Mode.IsValid() {
					return errors.New("voxbridge: --mode must be sdk or raw")
				}
			}
			return serve(cmd.Context(), f.configPath, cfg, found, watch)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	cmd.Flags().StringVar(&mode, "mode", "", "override upstream.mode (sdk|raw)")
	cmd.Flags().DurationVar(&watch, "watch-interval", 5*time.Second, "config file polling interval")
	return cmd
}

func serve(parent context.Context, path string, cfg *config.Config, found bool, watch time.Duration) error {
	level := newLogger(cfg.Server.LogLevel)
	if err := cfg.RequireAPIKey(); err != nil {
		slog.Error("cannot start relay", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
		SetGlobal:      true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return err
	}

	application, err := app.New(cfg, app.WithProvider(provider), app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}

	if found {
		w, err := config.NewWatcher(path, application.UpdateConfig, config.WithInterval(watch))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	} else {
		slog.Info("no config file, using defaults", "path", path)
	}

	slog.Info("voxbridge starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"mode", cfg.Upstream.Mode,
		"model", cfg.Upstream.Model,
		"voice", cfg.Upstream.Voice,
	)

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		runErr = nil
		slog.Info("shutdown signal received, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return errors.Join(runErr, err)
	}
	slog.Info("goodbye")
	return runErr
}
