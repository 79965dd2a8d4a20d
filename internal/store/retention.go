package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultHealthCheckRetention keeps health checks for thirty days.
	DefaultHealthCheckRetention = 30 * 24 * time.Hour
	// DefaultReadingRetention keeps readings for five years.
	DefaultReadingRetention = 5 * 8766 * time.Hour
)

// Retention sets how long each purgeable record class is kept. Alerts are never purged.
type Retention struct {
	HealthChecks time.Duration
	Readings     time.Duration
}

// DefaultRetention returns the standard retention policy.
func DefaultRetention() Retention {
	return Retention{
		HealthChecks: DefaultHealthCheckRetention,
		Readings:     DefaultReadingRetention,
	}
}

// PurgeResult counts the records a purge removed.
type PurgeResult struct {
	HealthChecks int64
	Readings     int64
}

// Purge removes health checks and readings older than their retention horizon.
func (s *Store) Purge(ctx context.Context, now time.Time, r Retention) (PurgeResult, error) {
	var result PurgeResult

	if r.HealthChecks > 0 {
		start := time.Now()
		res := s.db.WithContext(ctx).
			Where("timestamp < ?", now.Add(-r.HealthChecks).UTC()).
			Delete(&HealthCheck{})
		s.observe("delete", "health_checks", start, res.Error)
		if res.Error != nil {
			return result, fmt.Errorf("failed to purge health checks: %w", res.Error)
		}
		result.HealthChecks = res.RowsAffected
	}

	if r.Readings > 0 {
		start := time.Now()
		res := s.db.WithContext(ctx).
			Where("timestamp < ?", now.Add(-r.Readings).UTC()).
			Delete(&Reading{})
		s.observe("delete", "readings", start, res.Error)
		if res.Error != nil {
			return result, fmt.Errorf("failed to purge readings: %w", res.Error)
		}
		result.Readings = res.RowsAffected
	}

	if s.metrics != nil {
		s.metrics.RecordsPurged.WithLabelValues("health_checks").Add(float64(result.HealthChecks))
		s.metrics.RecordsPurged.WithLabelValues("readings").Add(float64(result.Readings))
	}

	return result, nil
}

// Purger runs Purge on a fixed interval.
type Purger struct {
	logger    *slog.Logger
	store     *Store
	stopChan  chan struct{}
	wg        sync.WaitGroup
	retention Retention
	interval  time.Duration
	mu        sync.Mutex
	running   bool
}

// PurgerConfig holds the configuration for the Purger.
type PurgerConfig struct {
	Logger    *slog.Logger
	Store     *Store
	Retention Retention
	Interval  time.Duration
}

// NewPurger creates a new Purger instance.
func NewPurger(cfg *PurgerConfig) (*Purger, error) {
	if cfg == nil {
		return nil, errors.New("purger config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Interval <= 0 {
		return nil, errors.New("purge interval must be positive")
	}

	return &Purger{
		logger:    cfg.Logger,
		store:     cfg.Store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
	}, nil
}

// Start begins the purge loop in a background goroutine.
func (p *Purger) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the purge loop and waits for it to exit.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Purger) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			result, err := p.store.Purge(ctx, p.store.now(), p.retention)
			if err != nil {
				p.logger.Error("retention purge failed", "error", err)
				continue
			}
			p.logger.Info("retention purge completed",
				"health_checks", result.HealthChecks,
				"readings", result.Readings,
			)
		}
	}
}
