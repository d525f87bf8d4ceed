package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/application"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/config"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command
var rootCmd = &cobra.Command{
	Use:   "exporter",
	Short: "Export substrate telemetry node counts to Prometheus",
	Long:  `Subscribes to a substrate telemetry feed and exports per-chain node counts as Prometheus gauges.`,
	Example: `
  exporter start --telemetry-host wss://telemetry.polkadot.io/feed
  exporter start --log-level debug --metrics-port 9090
  exporter start --config /path/to/config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		applyFlagOverrides(cmd, cfg)
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return config.InitLogger(cfg.Logging)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// applyFlagOverrides copies explicitly set flags over the loaded configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("telemetry-host") {
		cfg.Telemetry.Host, _ = flags.GetString("telemetry-host")
	}
	if flags.Changed("metrics-port") {
		cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
	}
	if flags.Changed("inactive-node-time") {
		cfg.Nodes.InactiveNodeTime, _ = flags.GetInt("inactive-node-time")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("log-file") {
		cfg.Logging.FilePath, _ = flags.GetString("log-file")
	}
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	defer func() { _ = logger.Shutdown() }()

	logger.Info("Starting exporter",
		zap.String("version", GetVersion()),
		zap.String("config_file", cfgFile),
		zap.Strings("chains", cfg.ChainNames()))

	if cfgFile != "" && !cmd.Flags().Changed("log-level") && os.Getenv("EXPORTER_LOGGING_LEVEL") == "" {
		if err := config.WatchLogLevel(cfgFile, logger.UpdateLevel, logger.New("config")); err != nil {
			logger.Warn("Log level will not follow the config file", zap.Error(err))
		}
	}

	app, err := application.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize the exporter", zap.Error(err))
		return err
	}
	if err := app.Start(); err != nil {
		logger.Error("Failed to start the exporter", zap.Error(err))
		_ = app.Shutdown()
		return err
	}

	<-ctx.Done()
	if err := app.Shutdown(); err != nil {
		logger.Warn("Exporter shutdown completed with errors", zap.Error(err))
	}
	return nil
}

// init sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("telemetry-host", "", "Telemetry feed address (ws:// or wss://)")
	rootCmd.PersistentFlags().Int("metrics-port", 3000, "Port for the Prometheus metrics server")
	rootCmd.PersistentFlags().Int("inactive-node-time", 60, "Seconds without an update before a node counts as inactive")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the exporter",
		Long:  "Print the version number of the exporter along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the exporter",
		Long:  "Connect to the telemetry feed and serve metrics with the specified configuration",
		RunE:  runStart,
	})
}
