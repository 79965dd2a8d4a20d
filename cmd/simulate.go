package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foresta.dev/guardian/internal/simulator"
	"foresta.dev/guardian/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a fleet of simulated devices",
	Long: `Run a fleet of simulated devices that:
- Register with the gateway under generated identities near known forest sites
- Produce synthetic environmental readings with daily and seasonal patterns
- Simulate fire and illegal logging events at a configurable rate
- Keep their state between runs so the same fleet resumes

Approval happens out of band, e.g. with "guardian admin approve".`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("gateway-url", "http://localhost:8080", "Gateway base URL")
	simulateCmd.Flags().Int("devices", 5, "Number of simulated devices")
	simulateCmd.Flags().String("state-dir", "./simulator-state", "Directory holding per-device state")
	simulateCmd.Flags().Float64("anomaly-probability", 0.01, "Chance per sample of a fire or logging event")
	simulateCmd.Flags().Duration("retry-interval", time.Minute, "Interval between registration retries")

	// Bind flags to viper
	_ = viper.BindPFlag("simulate.gateway_url", simulateCmd.Flags().Lookup("gateway-url"))
	_ = viper.BindPFlag("simulate.devices", simulateCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("simulate.state_dir", simulateCmd.Flags().Lookup("state-dir"))
	_ = viper.BindPFlag("simulate.anomaly_probability", simulateCmd.Flags().Lookup("anomaly-probability"))
	_ = viper.BindPFlag("simulate.retry_interval", simulateCmd.Flags().Lookup("retry-interval"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger("simulator")
	logger.Info("starting simulator")
	metrics.SetBuildInfo("simulator", rootCmd.Version)

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:             logger,
		GatewayURL:         viper.GetString("simulate.gateway_url"),
		DeviceCount:        viper.GetInt("simulate.devices"),
		StateDir:           viper.GetString("simulate.state_dir"),
		AnomalyProbability: viper.GetFloat64("simulate.anomaly_probability"),
		RetryInterval:      viper.GetDuration("simulate.retry_interval"),
		Metrics:            metrics.NewDeviceMetrics(metrics.Namespace),
	}

	// Create and run server
	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"gateway_url", config.GatewayURL,
		"device_count", config.DeviceCount,
		"state_dir", config.StateDir,
		"anomaly_probability", config.AnomalyProbability,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
