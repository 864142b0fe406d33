package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/voxbridge/pkg/gateway"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/runner"
)

func serveCmd() *cobra.Command {
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gateway.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The engine outlives the signal context so calls can drain.
			engine, err := gateway.NewEngine(context.Background(), gateway.EngineOptions{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			if configPath != "" {
				err := gateway.Watch(configPath, logger, func(next gateway.Config) {
					if err := engine.Reload(next); err != nil {
						logger.Warn("config_reload_failed", slog.String("error", err.Error()))
					}
				})
				if err != nil {
					_ = engine.Stop()
					return err
				}
			}

			bannerOut := cmd.OutOrStdout()
			if noBanner {
				bannerOut = nil
			}
			r := runner.NewLifecycleRunner(engine, runner.Hooks{
				OnStart: engine.Start,
				OnStop:  engine.Stop,
			}, cfg.Server.DrainTimeout+5*time.Second, bannerOut, logger)
			return r.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "skip the startup banner")
	return cmd
}
