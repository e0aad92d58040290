package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/voxbridge/internal/client"
	"github.com/MrWong99/voxbridge/pkg/audio/device"
	"github.com/spf13/cobra"
)

func newTalkCmd(f *rootFlags) *cobra.Command {
	var (
		url        string
		deviceRate int
		blockSize  int
	)
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Talk to a relay using the default microphone and speaker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(f)
			if err != nil {
				return err
			}
			cc := cfg.Client
			if url != "" {
				cc.URL = url
			}
			if deviceRate > 0 {
				cc.DeviceRate = deviceRate
			}
			if blockSize > 0 {
				cc.BlockSize = blockSize
			}
			if f.logLevel == "" {
				// Keep the console readable unless asked otherwise.
				cfg.Server.LogLevel = "warn"
			}
			newLogger(cfg.Server.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pa := &device.PortAudio{}
			if err := pa.Init(); err != nil {
				slog.Error("audio init failed", "err", err)
				return err
			}
			defer func() {
				if err := pa.Terminate(); err != nil {
					slog.Warn("audio terminate", "err", err)
				}
			}()

			c := client.New(cc, pa, client.WithConsole(client.NewConsole(os.Stdout)))
			err = c.Run(ctx, client.ReadCommands(ctx, os.Stdin))
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("talk session ended", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "relay WebSocket URL (overrides client.url)")
	cmd.Flags().IntVar(&deviceRate, "device-rate", 0, "microphone sample rate in Hz")
	cmd.Flags().IntVar(&blockSize, "block-size", 0, "frames per audio callback")
	return cmd
}
