package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
)

// OfflineMonitor periodically raises offline alerts for silent active devices.
type OfflineMonitor struct {
	logger    *slog.Logger
	store     *store.Store
	evaluator *alert.Evaluator
	locker    *alert.Locker
	areas     notify.AreaResolver
	notifier  notify.Notifier
	metrics   *metrics.GatewayMetrics
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	interval  time.Duration
	mu        sync.Mutex
	running   bool
}

// OfflineMonitorConfig holds the configuration for the OfflineMonitor.
type OfflineMonitorConfig struct {
	Logger   *slog.Logger
	Gateway  *Gateway
	Interval time.Duration
}

// NewOfflineMonitor creates an OfflineMonitor sharing the gateway's store, evaluator,
// coalescing locks and collaborators.
func NewOfflineMonitor(cfg *OfflineMonitorConfig) (*OfflineMonitor, error) {
	if cfg == nil {
		return nil, errors.New("offline monitor config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Gateway == nil {
		return nil, errors.New("gateway cannot be nil")
	}

	if cfg.Interval <= 0 {
		return nil, errors.New("offline check interval must be positive")
	}

	g := cfg.Gateway
	return &OfflineMonitor{
		logger:    cfg.Logger.With("component", "offline_monitor"),
		store:     g.store,
		evaluator: g.evaluator,
		locker:    g.locker,
		areas:     g.areas,
		notifier:  g.notifier,
		metrics:   g.metrics,
		now:       g.now,
		interval:  cfg.Interval,
	}, nil
}

// Start begins the check loop in a background goroutine.
func (m *OfflineMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the check loop and waits for it to exit.
func (m *OfflineMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *OfflineMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error("offline check failed", "error", err)
			}
		}
	}
}

// Check raises one offline alert per outage for every stale active device and
// returns the alerts it created.
func (m *OfflineMonitor) Check(ctx context.Context) ([]*store.Alert, error) {
	now := m.now()
	t := m.evaluator.Thresholds()

	devices, err := m.store.StaleDevices(ctx, now.Add(-t.OfflineAfter))
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.DevicesOffline.Set(float64(len(devices)))
	}

	var raised []*store.Alert
	for i := range devices {
		d := &devices[i]
		a, err := m.raise(ctx, d, now, t.CoalesceWindow)
		if err != nil {
			m.logger.Error("failed to raise offline alert", "code_name", d.DisplayName(), "error", err)
			continue
		}
		if a != nil {
			raised = append(raised, a)
		}
	}

	return raised, nil
}

func (m *OfflineMonitor) raise(ctx context.Context, d *store.Device, now time.Time, window time.Duration) (*store.Alert, error) {
	decision, ok := m.evaluator.Offline(*d.LastSeen, now)
	if !ok {
		return nil, nil
	}

	unlock := m.locker.Lock(alert.Key(d.ID, alert.KindOffline))
	defer unlock()

	open, err := m.store.Alerts(ctx, store.AlertFilter{
		TimeRange: store.TimeRange{From: *d.LastSeen},
		DeviceID:  d.ID,
		Type:      store.AlertOffline,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range open {
		if a.Status != store.AlertResolved {
			return nil, nil
		}
	}

	areaID, err := m.areas.ResolveArea(ctx, d)
	if err != nil {
		return nil, err
	}

	a, created, err := m.store.UpsertAlert(ctx, store.AlertCandidate{
		DeviceID:   d.ID,
		AreaID:     areaID,
		Type:       store.AlertOffline,
		Confidence: decision.Confidence,
		DetectedAt: decision.DetectedAt,
		Details:    decision.Details,
	}, window)
	if err != nil {
		return nil, err
	}

	kind := notify.AlertUpdated
	if created {
		kind = notify.AlertCreated
		m.logger.Info("device offline", "code_name", d.DisplayName(), "last_seen", d.LastSeen, "alert_id", a.PublicID)
		if m.metrics != nil {
			m.metrics.AlertsRaised.WithLabelValues(string(store.AlertOffline)).Inc()
		}
	}
	m.notifier.Notify(ctx, notify.NewAlertEvent(kind, a, d, now))

	if !created {
		return nil, nil
	}
	return a, nil
}
