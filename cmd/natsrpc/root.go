package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nats-rpc/bus"
	"nats-rpc/config"
)

var (
	// Global flags
	cfgFile  string
	natsURL  string
	logLevel string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "natsrpc",
	Short:         "RPC over NATS: serve and call the Arith demo service, publish and subscribe to topics",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if natsURL != "" {
			cfg.NATS.URL = natsURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = cfg.NewLogger()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides nats.url)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
}

// connect dials the configured NATS server.
func connect() (*bus.NATS, error) {
	b, err := bus.Connect(cfg.NATS.URL, bus.WithLogger(logger.Named("bus")))
	if err != nil {
		return nil, errors.Wrap(err, "nats")
	}
	return b, nil
}
