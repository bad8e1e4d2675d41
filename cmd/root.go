// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/config"
	"github.com/echoDaveD/ehs-sentinel/internal/logging"
)

var (
	configPath string

	// loaded by the persistent pre-run hook
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ehs-sentinel",
	Short: "Samsung EHS NASA bus monitor and controller",
	Long: `ehs-sentinel - Decode, monitor and control Samsung EHS heat pumps over the
NASA RS-485 bus.

Connection modes:
  TCP:       --addr 192.168.1.50:502   (RS-485 to Ethernet adapter)
  Serial:    --port /dev/ttyUSB0 [--baud 9600]
  WebSocket: --url ws://host/path [--username user]

Every flag can also be set in the YAML file given with --config or through an
EHS_ environment variable (EHS_CONNECTION_ADDRESS, EHS_LOGGING_LEVEL, ...).

For WebSocket authentication, the password is read from the EHS_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "2.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		if err := logging.Initialize(c.LoggingOptions()); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		cfg = c
		logger = logging.Logger()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	// TCP adapter
	flags.String("addr", "", "RS-485 to TCP adapter (host:port)")

	// Serial connection flags
	flags.StringP("port", "p", "", "Serial port device")
	flags.IntP("baud", "b", 9600, "Baud rate (serial only)")

	// WebSocket connection flags
	flags.StringP("url", "u", "", "WebSocket URL (ws:// or wss://)")
	flags.String("username", "", "Username for HTTP Basic auth")
	flags.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	flags.String("repository", "", "NASA repository file (YAML)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write JSON logs to this file (rotated)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
