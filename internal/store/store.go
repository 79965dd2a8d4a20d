package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"foresta.dev/guardian/pkg/metrics"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDeviceDecommissioned is returned for any write against a decommissioned device.
	ErrDeviceDecommissioned = errors.New("device decommissioned")
	// ErrInvalidTransition is returned when a device or alert state change is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store is the telemetry store. A Store obtained through Transaction shares the
// enclosing transaction.
type Store struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.GatewayMetrics
	now     func() time.Time
	pepper  []byte
}

// Config holds the configuration for the Store.
type Config struct {
	Logger  *slog.Logger
	DB      *gorm.DB
	Metrics *metrics.GatewayMetrics // Optional
	Now     func() time.Time        // Optional, defaults to time.Now
	// CredentialPepper keys the credential hash. Changing it invalidates every issued key.
	CredentialPepper string
}

// New creates a new Store instance.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	if len(cfg.CredentialPepper) > 64 {
		return nil, errors.New("credential pepper must be at most 64 bytes")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		logger:  cfg.Logger,
		db:      cfg.DB,
		metrics: cfg.Metrics,
		now:     now,
		pepper:  []byte(cfg.CredentialPepper),
	}, nil
}

// DB exposes the underlying connection for health probes.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a single database transaction. Either every write made
// through the supplied Store commits or none does.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.with(tx))
	})
}

func (s *Store) with(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// observe records a database operation in the optional metrics.
func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.DBOperationsTotal.WithLabelValues(operation, table, status).Inc()
	s.metrics.DBOperationDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
