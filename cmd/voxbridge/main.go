// Command voxbridge runs the duplex voice relay (serve) and its microphone
// client (talk).
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "voxbridge",
		Short:         "Low-latency duplex voice relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadEnv(f.envFiles...)
		},
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override server.log_level (debug|info|warn|error)")

	cmd.AddCommand(newServeCmd(f), newTalkCmd(f))
	return cmd
}

// loadConfig reads the config file. A missing file falls back to defaults
// plus the environment; found reports whether the file existed.
func loadConfig(f *rootFlags) (cfg *config.Config, found bool, err error) {
	cfg, err = config.Load(f.configPath)
	switch {
	case err == nil:
		found = true
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
		config.ApplyEnv(cfg, os.LookupEnv)
	default:
		return nil, false, err
	}
	if f.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(f.logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, false, err
	}
	return cfg, found, nil
}

// newLogger installs a text handler on stderr whose level can change at
// runtime.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(app.ParseLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}
