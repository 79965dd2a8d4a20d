package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gorm.io/gorm"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
	"foresta.dev/guardian/pkg/mq"
)

// Server runs the gateway: database, HTTP API, operator commands, notifications,
// background jobs and the gRPC health endpoint.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	gateway    *Gateway
	publisher  *notify.Publisher
	commands   *CommandConsumer
	bridge     *MQTTBridge
	purger     *store.Purger
	monitor    *OfflineMonitor
	health     *HealthReporter
	httpServer *http.Server
	grpcServer *grpc.Server
	mu         sync.Mutex
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration
	RabbitMQURL  string
	NotifyQueue  string
	CommandQueue string

	// Listeners
	HTTPPort int
	GRPCPort int

	// PublicURL is the base URL devices use to reach this gateway.
	PublicURL        string
	OperatorToken    string
	CredentialPepper string
	MinFirmware      string

	Thresholds alert.Thresholds
	Profile    *DeviceProfile // Optional, derived from PublicURL when nil

	Retention            store.Retention
	PurgeInterval        time.Duration
	OfflineCheckInterval time.Duration

	// Optional integrations
	MQTT        *MQTTBridgeConfig   // Logger and Gateway are filled in by the server
	LogStorage  *ObjectLogSinkConfig // Logger is filled in by the server
	Metrics     *metrics.GatewayMetrics
	MQMetrics   *metrics.MQMetrics
	AreaService notify.AreaResolver
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.NotifyQueue == "" {
		return nil, errors.New("notify queue name cannot be empty")
	}

	if cfg.CommandQueue == "" {
		return nil, errors.New("command queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.PublicURL == "" {
		return nil, errors.New("public URL cannot be empty")
	}

	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert thresholds: %w", err)
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Reconfigure swaps the alert thresholds of a running server.
func (s *Server) Reconfigure(t alert.Thresholds) error {
	s.mu.Lock()
	g := s.gateway
	s.mu.Unlock()

	if g == nil {
		return errors.New("gateway is not running")
	}
	return g.Reconfigure(t)
}

// Run starts the gateway server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting gateway server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	// Initialize database
	db, err := store.NewDB(&store.DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	s.logger.Info("database initialized successfully")

	if err := s.build(ctx); err != nil {
		_ = s.Shutdown()
		return err
	}

	// Start listeners
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.GRPCPort))
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to listen on gRPC port %d: %w", s.config.GRPCPort, err)
	}

	serveErr := make(chan error, 2)
	go func() {
		s.logger.Info("starting gRPC server", "address", lis.Addr().String())
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.logger.Info("gateway server started successfully")

	// Wait for shutdown signal or listener error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("listener failed", "error", err)
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			return fmt.Errorf("%w; %w", err, shutdownErr)
		}
		return err
	}

	// Shutdown
	return s.Shutdown()
}

// build wires every component on top of the open database.
func (s *Server) build(ctx context.Context) error {
	st, err := store.New(&store.Config{
		Logger:           s.logger.With("component", "store"),
		DB:               s.db,
		Metrics:          s.config.Metrics,
		CredentialPepper: s.config.CredentialPepper,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	evaluator, err := alert.NewEvaluator(s.config.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to initialize evaluator: %w", err)
	}

	// Notification fan-out
	notifyOpts := []mq.Option{mq.WithDurable()}
	commandOpts := []mq.Option{mq.WithDurable()}
	if s.config.MQMetrics != nil {
		notifyOpts = append(notifyOpts, mq.WithMetrics(s.config.MQMetrics))
		commandOpts = append(commandOpts, mq.WithMetrics(s.config.MQMetrics))
	}
	publisher, err := notify.NewPublisher(&notify.PublisherConfig{
		Logger:  s.logger.With("component", "notify"),
		Client:  mq.New(s.config.NotifyQueue, s.config.RabbitMQURL, s.logger, notifyOpts...),
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize notification publisher: %w", err)
	}
	publisher.Start(ctx)
	s.publisher = publisher

	g, err := New(&Config{
		Logger:    s.logger,
		Store:     st,
		Evaluator: evaluator,
		Notifier:  publisher,
		Areas:     s.config.AreaService,
		Metrics:   s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	s.mu.Lock()
	s.gateway = g
	s.mu.Unlock()

	profile := DefaultDeviceProfile(s.config.PublicURL)
	if s.config.Profile != nil {
		profile = *s.config.Profile
	}
	registrar, err := NewRegistrar(&RegistrarConfig{
		Logger:      s.logger,
		Store:       st,
		Evaluator:   evaluator,
		Metrics:     s.config.Metrics,
		Profile:     profile,
		MinFirmware: s.config.MinFirmware,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registrar: %w", err)
	}

	// Operator commands
	commands, err := NewCommandConsumer(&CommandConsumerConfig{
		Logger:    s.logger,
		Registrar: registrar,
		Store:     st,
		Client:    mq.New(s.config.CommandQueue, s.config.RabbitMQURL, s.logger, commandOpts...),
		Notifier:  publisher,
		Metrics:   s.config.Metrics,
		MQMetrics: s.config.MQMetrics,
		Queue:     s.config.CommandQueue,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize command consumer: %w", err)
	}
	s.commands = commands
	if err := commands.Start(ctx); err != nil {
		return fmt.Errorf("failed to start command consumer: %w", err)
	}

	// Log uploads
	var logs LogSink = NewMemoryLogSink(0)
	if s.config.LogStorage != nil {
		lsCfg := *s.config.LogStorage
		lsCfg.Logger = s.logger
		sink, err := NewObjectLogSink(&lsCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize log storage: %w", err)
		}
		logs = sink
	}

	api, err := NewAPI(&APIConfig{
		Logger:        s.logger,
		Gateway:       g,
		Registrar:     registrar,
		Store:         st,
		Logs:          logs,
		Metrics:       s.config.Metrics,
		OperatorToken: s.config.OperatorToken,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background jobs
	purgeInterval := s.config.PurgeInterval
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	purger, err := store.NewPurger(&store.PurgerConfig{
		Logger:    s.logger.With("component", "retention"),
		Store:     st,
		Retention: s.config.Retention,
		Interval:  purgeInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize purger: %w", err)
	}
	purger.Start(ctx)
	s.purger = purger

	offlineInterval := s.config.OfflineCheckInterval
	if offlineInterval <= 0 {
		offlineInterval = time.Minute
	}
	monitor, err := NewOfflineMonitor(&OfflineMonitorConfig{
		Logger:   s.logger,
		Gateway:  g,
		Interval: offlineInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize offline monitor: %w", err)
	}
	monitor.Start(ctx)
	s.monitor = monitor

	// gRPC health
	health, err := NewHealthReporter(&HealthReporterConfig{Logger: s.logger, Store: st})
	if err != nil {
		return fmt.Errorf("failed to initialize health reporter: %w", err)
	}
	s.grpcServer = grpc.NewServer()
	health.Register(s.grpcServer)
	health.Start(ctx)
	s.health = health

	// MQTT ingestion
	if s.config.MQTT != nil && s.config.MQTT.Broker != "" {
		mqttCfg := *s.config.MQTT
		mqttCfg.Logger = s.logger
		mqttCfg.Gateway = g
		bridge, err := NewMQTTBridge(&mqttCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT bridge: %w", err)
		}
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MQTT bridge: %w", err)
		}
		s.bridge = bridge
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down gateway server")

	var errs []error

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		cancel()
	}

	if s.bridge != nil {
		s.bridge.Stop()
	}

	if s.health != nil {
		s.health.Stop()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
	}

	if s.monitor != nil {
		s.monitor.Stop()
	}

	if s.purger != nil {
		s.purger.Stop()
	}

	if s.commands != nil {
		if err := s.commands.Stop(); err != nil {
			s.logger.Error("failed to stop command consumer", "error", err)
			errs = append(errs, fmt.Errorf("command consumer shutdown error: %w", err))
		}
	}

	// Flushes notifications raised by in-flight requests.
	if s.publisher != nil {
		s.publisher.Stop()
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("gateway server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("gateway server shutdown completed successfully")
	return nil
}
