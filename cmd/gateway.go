package main

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foresta.dev/guardian/internal/gateway"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the ingestion gateway",
	Long: `Run the ingestion gateway that:
- Registers devices and hands out operating configuration on approval
- Authenticates, validates and stores device telemetry
- Evaluates fire, logging, low battery and offline alerts
- Publishes alert notifications to RabbitMQ
- Consumes operator commands from RabbitMQ
- Serves gRPC health and Prometheus metrics`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	// Gateway-specific flags
	gatewayCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	gatewayCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	gatewayCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	gatewayCmd.Flags().String("db-password", "", "PostgreSQL password")
	gatewayCmd.Flags().String("db-name", "guardian", "PostgreSQL database name")
	gatewayCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	gatewayCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	gatewayCmd.Flags().String("notify-queue", "guardian-alert-notifications", "RabbitMQ queue for alert notifications")
	gatewayCmd.Flags().String("command-queue", "guardian-operator-commands", "RabbitMQ queue for operator commands")
	gatewayCmd.Flags().Int("http-port", 8080, "HTTP server port")
	gatewayCmd.Flags().Int("grpc-port", 9090, "gRPC health server port")
	gatewayCmd.Flags().String("public-url", "http://localhost:8080", "Base URL devices use to reach the gateway")
	gatewayCmd.Flags().String("operator-token", "", "Bearer token for the operator API (disabled when empty)")
	gatewayCmd.Flags().String("credential-pepper", "", "Key for hashing device credentials")
	gatewayCmd.Flags().String("min-firmware", "", "Semver constraint registrations must satisfy, e.g. \">= 1.2.0\"")
	gatewayCmd.Flags().Duration("purge-interval", time.Hour, "Interval between retention purges")
	gatewayCmd.Flags().Duration("offline-check-interval", time.Minute, "Interval between offline checks")
	gatewayCmd.Flags().String("mqtt-broker", "", "MQTT broker for telemetry ingestion (disabled when empty)")

	// Bind flags to viper
	_ = viper.BindPFlag("gateway.db.host", gatewayCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("gateway.db.port", gatewayCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("gateway.db.user", gatewayCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("gateway.db.password", gatewayCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("gateway.db.name", gatewayCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("gateway.db.sslmode", gatewayCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("gateway.rabbitmq.url", gatewayCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("gateway.rabbitmq.notify_queue", gatewayCmd.Flags().Lookup("notify-queue"))
	_ = viper.BindPFlag("gateway.rabbitmq.command_queue", gatewayCmd.Flags().Lookup("command-queue"))
	_ = viper.BindPFlag("gateway.http.port", gatewayCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("gateway.grpc.port", gatewayCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("gateway.public_url", gatewayCmd.Flags().Lookup("public-url"))
	_ = viper.BindPFlag("gateway.operator_token", gatewayCmd.Flags().Lookup("operator-token"))
	_ = viper.BindPFlag("gateway.credential_pepper", gatewayCmd.Flags().Lookup("credential-pepper"))
	_ = viper.BindPFlag("gateway.min_firmware", gatewayCmd.Flags().Lookup("min-firmware"))
	_ = viper.BindPFlag("gateway.purge_interval", gatewayCmd.Flags().Lookup("purge-interval"))
	_ = viper.BindPFlag("gateway.offline_check_interval", gatewayCmd.Flags().Lookup("offline-check-interval"))
	_ = viper.BindPFlag("gateway.mqtt.broker", gatewayCmd.Flags().Lookup("mqtt-broker"))

	viper.SetDefault("gateway.mqtt.client_id", "guardian-gateway")
	viper.SetDefault("gateway.mqtt.topic", gateway.DefaultTelemetryTopic)
	viper.SetDefault("gateway.logs.bucket", "guardian-device-logs")
	viper.SetDefault("gateway.retention.health_checks", store.DefaultHealthCheckRetention)
	viper.SetDefault("gateway.retention.readings", store.DefaultReadingRetention)
}

func runGateway(_ *cobra.Command, _ []string) error {
	logger := GetLogger("gateway")
	logger.Info("starting gateway service")
	metrics.SetBuildInfo("gateway", rootCmd.Version)

	thresholds, err := alertThresholds()
	if err != nil {
		logger.Error("invalid alert thresholds", "error", err)
		return err
	}

	// Create gateway configuration from viper
	config := &gateway.ServerConfig{
		Logger:           logger,
		DBHost:           viper.GetString("gateway.db.host"),
		DBPort:           viper.GetInt("gateway.db.port"),
		DBUser:           viper.GetString("gateway.db.user"),
		DBPassword:       viper.GetString("gateway.db.password"),
		DBName:           viper.GetString("gateway.db.name"),
		DBSSLMode:        viper.GetString("gateway.db.sslmode"),
		RabbitMQURL:      viper.GetString("gateway.rabbitmq.url"),
		NotifyQueue:      viper.GetString("gateway.rabbitmq.notify_queue"),
		CommandQueue:     viper.GetString("gateway.rabbitmq.command_queue"),
		HTTPPort:         viper.GetInt("gateway.http.port"),
		GRPCPort:         viper.GetInt("gateway.grpc.port"),
		PublicURL:        viper.GetString("gateway.public_url"),
		OperatorToken:    viper.GetString("gateway.operator_token"),
		CredentialPepper: viper.GetString("gateway.credential_pepper"),
		MinFirmware:      viper.GetString("gateway.min_firmware"),
		Thresholds:       thresholds,
		Retention: store.Retention{
			HealthChecks: viper.GetDuration("gateway.retention.health_checks"),
			Readings:     viper.GetDuration("gateway.retention.readings"),
		},
		PurgeInterval:        viper.GetDuration("gateway.purge_interval"),
		OfflineCheckInterval: viper.GetDuration("gateway.offline_check_interval"),
		Metrics:              metrics.NewGatewayMetrics(metrics.Namespace),
		MQMetrics:            metrics.NewMQMetrics(metrics.Namespace),
	}

	if broker := viper.GetString("gateway.mqtt.broker"); broker != "" {
		config.MQTT = &gateway.MQTTBridgeConfig{
			Broker:   broker,
			ClientID: viper.GetString("gateway.mqtt.client_id"),
			Username: viper.GetString("gateway.mqtt.username"),
			Password: viper.GetString("gateway.mqtt.password"),
			Topic:    viper.GetString("gateway.mqtt.topic"),
		}
	}

	if endpoint := viper.GetString("gateway.logs.endpoint"); endpoint != "" {
		config.LogStorage = &gateway.ObjectLogSinkConfig{
			Endpoint:  endpoint,
			AccessKey: viper.GetString("gateway.logs.access_key"),
			SecretKey: viper.GetString("gateway.logs.secret_key"),
			Bucket:    viper.GetString("gateway.logs.bucket"),
			Region:    viper.GetString("gateway.logs.region"),
			UseSSL:    viper.GetBool("gateway.logs.use_ssl"),
		}
	}

	// Create and run server
	server, err := gateway.NewServer(config)
	if err != nil {
		logger.Error("failed to create gateway server", "error", err)
		return err
	}

	// Threshold changes in the config file apply without a restart.
	viper.OnConfigChange(func(e fsnotify.Event) {
		t, err := alertThresholds()
		if err != nil {
			logger.Error("ignoring config change, invalid alert thresholds", "file", e.Name, "error", err)
			return
		}
		if err := server.Reconfigure(t); err != nil {
			logger.Warn("failed to apply alert thresholds", "error", err)
			return
		}
		logger.Info("alert thresholds reloaded", "file", e.Name)
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	logger.Info("gateway server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"notify_queue", config.NotifyQueue,
		"command_queue", config.CommandQueue,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"public_url", config.PublicURL,
		"mqtt_enabled", config.MQTT != nil,
		"object_log_storage", config.LogStorage != nil,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("gateway server error", "error", err)
		return err
	}

	logger.Info("gateway server stopped")
	return nil
}
