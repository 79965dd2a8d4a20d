package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foresta.dev/guardian/internal/device"
	"foresta.dev/guardian/internal/transmit"
	"foresta.dev/guardian/pkg/metrics"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run the on-device agent",
	Long: `Run the agent of a single field unit that:
- Registers with the gateway and waits for operator approval
- Samples the environmental and acoustic sensors
- Sends health checks, periodic data and out-of-band alerts
- Throttles itself on low battery and troubleshoots sustained failures

Send SIGUSR1 to run the troubleshooting diagnostics on demand.`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)

	// Device-specific flags
	deviceCmd.Flags().String("gateway-url", "http://localhost:8080", "Gateway base URL used for registration")
	deviceCmd.Flags().String("state-dir", "/var/lib/guardian", "Directory holding the identity, config snapshot and replay log")
	deviceCmd.Flags().String("firmware", "1.0.0", "Firmware version reported to the gateway")
	deviceCmd.Flags().String("gps-port", "", "Serial port of the NMEA GPS receiver (static position when empty)")
	deviceCmd.Flags().Int("gps-baud", 9600, "Baud rate of the GPS receiver")
	deviceCmd.Flags().Float64("latitude", 0, "Static latitude when no GPS receiver is attached")
	deviceCmd.Flags().Float64("longitude", 0, "Static longitude when no GPS receiver is attached")
	deviceCmd.Flags().Float64("anomaly-probability", 0, "Chance per sample of a simulated fire or logging event")
	deviceCmd.Flags().String("storage-path", "/", "Filesystem reported in health checks")
	deviceCmd.Flags().Int("log-buffer-size", device.DefaultLogBufferSize, "Bytes of recent log output kept for troubleshooting uploads")
	deviceCmd.Flags().Int("metrics-port", 0, "Port serving Prometheus metrics (disabled when 0)")

	// Bind flags to viper
	_ = viper.BindPFlag("device.gateway_url", deviceCmd.Flags().Lookup("gateway-url"))
	_ = viper.BindPFlag("device.state_dir", deviceCmd.Flags().Lookup("state-dir"))
	_ = viper.BindPFlag("device.firmware", deviceCmd.Flags().Lookup("firmware"))
	_ = viper.BindPFlag("device.gps.port", deviceCmd.Flags().Lookup("gps-port"))
	_ = viper.BindPFlag("device.gps.baud", deviceCmd.Flags().Lookup("gps-baud"))
	_ = viper.BindPFlag("device.gps.latitude", deviceCmd.Flags().Lookup("latitude"))
	_ = viper.BindPFlag("device.gps.longitude", deviceCmd.Flags().Lookup("longitude"))
	_ = viper.BindPFlag("device.anomaly_probability", deviceCmd.Flags().Lookup("anomaly-probability"))
	_ = viper.BindPFlag("device.storage_path", deviceCmd.Flags().Lookup("storage-path"))
	_ = viper.BindPFlag("device.log_buffer_size", deviceCmd.Flags().Lookup("log-buffer-size"))
	_ = viper.BindPFlag("device.metrics.port", deviceCmd.Flags().Lookup("metrics-port"))
}

func runDevice(_ *cobra.Command, _ []string) error {
	logs := device.NewLogBuffer(viper.GetInt("device.log_buffer_size"))
	logger := GetLogger("device", logs)
	logger.Info("starting device agent")

	stateDir := viper.GetString("device.state_dir")
	stateFile, err := device.NewStateFile(filepath.Join(stateDir, "state.yaml"))
	if err != nil {
		return err
	}
	st, err := device.LoadOrCreateState(stateFile)
	if err != nil {
		logger.Error("failed to load device state", "error", err)
		return err
	}

	replay, err := transmit.OpenReplayLog(filepath.Join(stateDir, "replay.jsonl"))
	if err != nil {
		return err
	}

	deviceMetrics := metrics.NewDeviceMetrics(metrics.Namespace)
	metrics.SetBuildInfo("device", viper.GetString("device.firmware"))

	client, err := transmit.New(&transmit.Config{
		Logger:     logger,
		HardwareID: st.Identity.HardwareID,
		BaseURL:    viper.GetString("device.gateway_url"),
		Replay:     replay,
		Metrics:    deviceMetrics,
	})
	if err != nil {
		logger.Error("failed to create transmission client", "error", err)
		return err
	}

	var location device.LocationProvider = device.StaticLocation{
		Latitude:  viper.GetFloat64("device.gps.latitude"),
		Longitude: viper.GetFloat64("device.gps.longitude"),
	}
	if port := viper.GetString("device.gps.port"); port != "" {
		location = device.NewNMEALocation(port, viper.GetInt("device.gps.baud"))
	}

	agent, err := device.New(&device.Config{
		Logger:   logger,
		Client:   client,
		State:    stateFile,
		Sensors:  device.NewSimulatedSensors(time.Now().UnixNano(), viper.GetFloat64("device.anomaly_probability")),
		Location: location,
		Probe:    device.HostProbe{StoragePath: viper.GetString("device.storage_path")},
		Logs:     logs,
		Metrics:  deviceMetrics,
		Firmware: viper.GetString("device.firmware"),
	})
	if err != nil {
		logger.Error("failed to create device agent", "error", err)
		return err
	}

	logger.Info("device agent configuration",
		"hardware_id", st.Identity.HardwareID,
		"mode", agent.Mode(),
		"gateway_url", viper.GetString("device.gateway_url"),
		"state_dir", stateDir,
		"gps_port", viper.GetString("device.gps.port"),
		"pending_alerts", client.Pending(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	troubleshoot := make(chan os.Signal, 1)
	signal.Notify(troubleshoot, syscall.SIGUSR1)
	defer signal.Stop(troubleshoot)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-troubleshoot:
				logger.Info("troubleshooting requested")
				agent.Troubleshoot()
			}
		}
	}()

	if port := viper.GetInt("device.metrics.port"); port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = agent.Run(ctx)
	switch {
	case errors.Is(err, device.ErrDecommissioned):
		logger.Warn("device agent stopped, device is decommissioned")
		return err
	case err != nil:
		logger.Error("device agent error", "error", err)
		return err
	}

	logger.Info("device agent stopped")
	return nil
}
