// Package simulator runs a fleet of simulated Guardian devices against a gateway.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"

	"foresta.dev/guardian/internal/device"
	"foresta.dev/guardian/internal/transmit"
	"foresta.dev/guardian/pkg/generator"
	"foresta.dev/guardian/pkg/metrics"
)

const fallbackFirmware = "1.0.0"

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// GatewayURL is the base URL devices register against
	GatewayURL string
	// DeviceCount is the number of simulated devices
	DeviceCount int
	// StateDir holds one state directory per simulated device, so a restarted
	// simulator resumes the same fleet
	StateDir string
	// AnomalyProbability is the chance per sample that a fire or logging event starts
	AnomalyProbability float64
	// Backoff overrides the transmission retry table
	Backoff []time.Duration
	// RetryInterval paces registration retries
	RetryInterval time.Duration
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.DeviceMetrics
}

// simulated is one member of the fleet.
type simulated struct {
	id      int
	device  *generator.SimulatedDevice
	sensors *device.SimulatedSensors
	agent   *device.Agent
}

// Server manages the simulated devices.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	fleet   []*simulated
	wg      sync.WaitGroup
	metrics *metrics.DeviceMetrics
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errGatewayURLRequired = errors.New("gateway URL is required")
	errStateDirRequired   = errors.New("state directory is required")
	errLoggerRequired     = errors.New("logger is required")
)

// NewServer creates a simulator with DeviceCount devices. Each device gets its own
// state file, replay log and transmission client.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.DeviceCount <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.GatewayURL == "" {
		return nil, errGatewayURLRequired
	}

	if cfg.StateDir == "" {
		return nil, errStateDirRequired
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		fleet:   make([]*simulated, 0, cfg.DeviceCount),
		metrics: cfg.Metrics,
	}

	for i := range cfg.DeviceCount {
		sim, err := s.newDevice(i)
		if err != nil {
			return nil, fmt.Errorf("failed to create simulated device %d: %w", i, err)
		}
		s.fleet = append(s.fleet, sim)

		s.logger.Info("created simulated device",
			"device_index", i,
			"hardware_id", sim.agent.Identity().HardwareID,
			"site", sim.device.Site,
			"mode", sim.agent.Mode(),
		)
	}

	return s, nil
}

func (s *Server) newDevice(i int) (*simulated, error) {
	dev := generator.NewSimulatedDevice(i)
	if dev == nil {
		return nil, errors.New("failed to generate device identity")
	}
	if _, err := semver.NewVersion(dev.Firmware); err != nil {
		dev.Firmware = fallbackFirmware
	}

	dir := filepath.Join(s.config.StateDir, fmt.Sprintf("device-%03d", i))
	file, err := device.NewStateFile(filepath.Join(dir, "state.yaml"))
	if err != nil {
		return nil, err
	}
	st, err := loadOrSeed(file, dev.HardwareID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(slog.Int("device_index", i))

	replay, err := transmit.OpenReplayLog(filepath.Join(dir, "replay.jsonl"))
	if err != nil {
		return nil, err
	}

	client, err := transmit.New(&transmit.Config{
		Logger:     logger,
		HardwareID: st.Identity.HardwareID,
		BaseURL:    s.config.GatewayURL,
		Backoff:    s.config.Backoff,
		Replay:     replay,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}

	seed := time.Now().UnixNano() + int64(i)
	sensors := device.NewSimulatedSensors(seed, s.config.AnomalyProbability)

	agent, err := device.New(&device.Config{
		Logger:        logger,
		Client:        client,
		State:         file,
		Sensors:       sensors,
		Location:      device.StaticLocation{Latitude: dev.Latitude, Longitude: dev.Longitude},
		Probe:         device.NewSimulatedProbe(seed),
		Metrics:       s.metrics,
		Firmware:      dev.Firmware,
		RetryInterval: s.config.RetryInterval,
	})
	if err != nil {
		return nil, err
	}

	return &simulated{id: i, device: dev, sensors: sensors, agent: agent}, nil
}

// loadOrSeed resumes a persisted device or seeds a fresh one with the generated
// hardware id.
func loadOrSeed(file *device.StateFile, hardwareID string) (*device.State, error) {
	st, err := file.Load()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, device.ErrNoState) {
		return nil, err
	}

	identity := device.NewIdentity()
	identity.HardwareID = hardwareID
	st = &device.State{Identity: identity, Mode: device.ModeUnregistered, UpdatedAt: time.Now().UTC()}
	if err := file.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Agents returns the simulated device agents.
func (s *Server) Agents() []*device.Agent {
	agents := make([]*device.Agent, 0, len(s.fleet))
	for _, sim := range s.fleet {
		agents = append(agents, sim.agent)
	}
	return agents
}

// Inject forces an anomaly on the device at index for the given number of samples.
func (s *Server) Inject(index int, a generator.Anomaly, samples int) error {
	if index < 0 || index >= len(s.fleet) {
		return fmt.Errorf("no simulated device %d", index)
	}
	s.fleet[index].sensors.StartAnomaly(a, samples)
	return nil
}

// Run starts all devices and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for _, sim := range s.fleet {
		s.wg.Add(1)
		go s.runDevice(ctx, sim)
	}

	s.logger.Info("simulator started",
		"device_count", len(s.fleet),
		"gateway_url", s.config.GatewayURL,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for devices to shut down...")
	s.wg.Wait()

	s.logger.Info("simulator stopped")
	return nil
}

func (s *Server) runDevice(ctx context.Context, sim *simulated) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.SimulatedDevices.Inc()
		defer s.metrics.SimulatedDevices.Dec()
	}

	logger := s.logger.With(slog.Int("device_index", sim.id))
	logger.Info("device started", "site", sim.device.Site)

	err := sim.agent.Run(ctx)
	switch {
	case errors.Is(err, device.ErrDecommissioned):
		logger.Warn("device decommissioned, leaving the fleet")
	case err != nil:
		logger.Error("device stopped with error", "error", err)
	default:
		logger.Info("device shutting down")
	}
}
