package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/voxbridge/pkg/gateway"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/runner"
	"github.com/harunnryd/voxbridge/pkg/transports"
	"github.com/harunnryd/voxbridge/pkg/transports/twilio"
)

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gateway.LoadConfig(configPath)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func dialCmd() *cobra.Command {
	var from, to, voiceURL, digits, botName string
	var ring time.Duration
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place an outbound Twilio call that lands on the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gateway.LoadConfig(configPath)
			if err != nil {
				return err
			}
			tc := cfg.Transports.Twilio
			if tc.ServerAddr == "" {
				tc.ServerAddr = cfg.Server.Addr
			}
			logger := logging.NewLogger(cmd.ErrOrStderr(), logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sid, err := twilio.NewDialer(tc, logger).Place(ctx, twilio.Outbound{
				To:       to,
				From:     from,
				VoiceURL: voiceURL,
				DialOptions: transports.DialOptions{
					SendDigits:  digits,
					Bot:         botName,
					RingTimeout: ring,
				},
			})
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sid)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "caller number, E.164")
	cmd.Flags().StringVar(&to, "to", "", "callee number, E.164")
	cmd.Flags().StringVar(&voiceURL, "voice-url", "", "voice webhook URL, defaults to the configured public URL")
	cmd.Flags().StringVar(&digits, "send-digits", "", "DTMF digits to play once answered")
	cmd.Flags().StringVar(&botName, "bot", "", "bot profile that answers the call, defaults to bots.default")
	cmd.Flags().DurationVar(&ring, "ring-timeout", 0, "how long the callee may ring")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
		},
	}
}
