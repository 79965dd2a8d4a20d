package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml), a .env file and environment variables.
func InitConfig(cfgFile string) error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/guardian/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/guardian/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Environment variables
	viper.SetEnvPrefix("GUARDIAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration. Extra writers receive
// the same records as stdout.
func GetLogger(service string, extra ...io.Writer) *slog.Logger {
	var out io.Writer = os.Stdout
	if len(extra) > 0 {
		out = io.MultiWriter(append([]io.Writer{os.Stdout}, extra...)...)
	}

	return logger.New(&logger.Config{
		Output:  out,
		Service: service,
		Format:  logger.ParseFormat(viper.GetString("log.format")),
		Level:   logger.ParseLevel(viper.GetString("log.level")),
	})
}

// alertThresholds reads gateway.alerts on top of the stock thresholds.
func alertThresholds() (alert.Thresholds, error) {
	t := alert.DefaultThresholds()
	if err := viper.UnmarshalKey("gateway.alerts", &t); err != nil {
		return alert.Thresholds{}, fmt.Errorf("failed to decode gateway.alerts: %w", err)
	}
	if err := t.Validate(); err != nil {
		return alert.Thresholds{}, err
	}
	return t, nil
}
