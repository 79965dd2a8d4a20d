// Package gateway is the backend entry point for Guardian devices: it authenticates
// and validates telemetry, stores it atomically per payload, runs the alert evaluator
// and hands alert changes to the notification fan-out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
)

// minHistory is the least number of earlier readings loaded for evaluation.
const minHistory = 16

// Ingest sources, used as a metric label.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Result describes an accepted payload.
type Result struct {
	Device      *store.Device
	Alerts      []*store.Alert
	MessageType protocol.MessageType
	// StatusApplied is false when the payload was older than the stored device status.
	StatusApplied bool
	// Duplicate is true when a record with the same device timestamp already existed.
	Duplicate bool
}

// Gateway runs the ingestion pipeline.
type Gateway struct {
	logger    *slog.Logger
	store     *store.Store
	evaluator *alert.Evaluator
	locker    *alert.Locker
	notifier  notify.Notifier
	areas     notify.AreaResolver
	metrics   *metrics.GatewayMetrics
	now       func() time.Time
}

// Config holds the configuration for the Gateway.
type Config struct {
	Logger    *slog.Logger
	Store     *store.Store
	Evaluator *alert.Evaluator
	Notifier  notify.Notifier         // Optional, defaults to notify.Discard
	Areas     notify.AreaResolver     // Optional, defaults to notify.DeviceAreaResolver
	Metrics   *metrics.GatewayMetrics // Optional
	Now       func() time.Time        // Optional, defaults to time.Now
}

// New creates a new Gateway instance.
func New(cfg *Config) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Evaluator == nil {
		return nil, errors.New("evaluator cannot be nil")
	}

	g := &Gateway{
		logger:    cfg.Logger.With("component", "gateway"),
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		locker:    alert.NewLocker(),
		notifier:  cfg.Notifier,
		areas:     cfg.Areas,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if g.notifier == nil {
		g.notifier = notify.Discard{}
	}
	if g.areas == nil {
		g.areas = notify.DeviceAreaResolver{}
	}
	if g.now == nil {
		g.now = time.Now
	}

	return g, nil
}

// Evaluator returns the evaluator whose thresholds the gateway applies.
func (g *Gateway) Evaluator() *alert.Evaluator {
	return g.evaluator
}

// Reconfigure swaps the alert thresholds for subsequent payloads.
func (g *Gateway) Reconfigure(t alert.Thresholds) error {
	if err := g.evaluator.Reconfigure(t); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.ThresholdReloadsTotal.Inc()
	}
	g.logger.Info("alert thresholds reconfigured",
		"smoke_level", t.SmokeLevel,
		"temperature", t.Temperature,
		"humidity", t.Humidity,
		"logging_confidence", t.LoggingConfidence,
	)
	return nil
}

// Authenticate resolves an API key to an active device. Rejections are classified
// with the protocol error taxonomy.
func (g *Gateway) Authenticate(ctx context.Context, apiKey string) (*store.Device, error) {
	device, err := g.store.Authenticate(ctx, apiKey)
	switch {
	case err == nil:
		return device, nil
	case errors.Is(err, store.ErrUnknownCredential):
		return nil, protocol.Reject(protocol.ErrUnauthorized, "unknown credential")
	case errors.Is(err, store.ErrCredentialRevoked):
		return nil, protocol.Reject(protocol.ErrUnauthorized, protocol.ReasonRevoked)
	case errors.Is(err, store.ErrDeviceDecommissioned):
		return nil, protocol.Reject(protocol.ErrForbidden, protocol.ReasonDecommissioned)
	default:
		g.logger.Error("failed to authenticate device", "error", err)
		return nil, storageFailure(err)
	}
}

// Ingest authenticates, validates and stores one raw telemetry payload. Device status,
// the reading or health check and any resulting alerts commit as one unit.
func (g *Gateway) Ingest(ctx context.Context, raw []byte, apiKey, source string) (*Result, error) {
	res, err := g.ingest(ctx, raw, apiKey)
	if err != nil {
		g.reject(err)
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.MessagesIngested.WithLabelValues(string(res.MessageType), source).Inc()
	}
	return res, nil
}

func (g *Gateway) ingest(ctx context.Context, raw []byte, apiKey string) (*Result, error) {
	device, err := g.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	log := g.logger.With("device_id", device.ID, "code_name", device.DisplayName())

	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Warn("rejected payload", "error", err)
		return nil, err
	}

	if msg.DeviceInfo.UUID != device.HardwareID {
		log.Warn("payload uuid does not match credential", "uuid", msg.DeviceInfo.UUID)
		return nil, protocol.Reject(protocol.ErrUnauthorized, "credential does not belong to device %s", msg.DeviceInfo.UUID)
	}

	var res *Result
	switch msg.Type {
	case protocol.MessageHealthCheck:
		res, err = g.ingestHealthCheck(ctx, device, msg)
	default:
		res, err = g.ingestTelemetry(ctx, device, msg)
	}
	if err != nil {
		log.Error("failed to store payload", "message_type", msg.Type, "error", err)
		return nil, storageFailure(err)
	}

	log.Debug("payload accepted",
		"message_type", msg.Type,
		"timestamp", msg.DeviceInfo.Timestamp,
		"status_applied", res.StatusApplied,
		"duplicate", res.Duplicate,
		"alerts", len(res.Alerts),
	)
	return res, nil
}

func (g *Gateway) ingestHealthCheck(ctx context.Context, device *store.Device, msg *protocol.Message) (*Result, error) {
	res := &Result{Device: device, MessageType: msg.Type}

	check := &store.HealthCheck{
		DeviceID:          device.ID,
		Timestamp:         msg.DeviceInfo.Timestamp,
		BatteryPercentage: msg.Battery.Percentage,
		Charging:          msg.Battery.Charging,
	}
	if msg.Connectivity != nil {
		check.NetworkType = msg.Connectivity.NetworkType
		check.SignalStrength = msg.Connectivity.SignalStrength
	}
	if msg.Storage != nil {
		check.StorageUsedPercent = msg.Storage.UsedPercent
	}
	if msg.System != nil {
		check.CPUPercent = msg.System.CPUPercent
		check.MemoryPercent = msg.System.MemoryPercent
		check.UptimeSeconds = msg.System.UptimeSeconds
	}

	err := g.store.Transaction(ctx, func(tx *store.Store) error {
		applied, err := tx.ApplyStatus(ctx, device.ID, statusOf(msg))
		if err != nil {
			return err
		}
		res.StatusApplied = applied

		inserted, err := tx.RecordHealthCheck(ctx, check)
		if err != nil {
			return err
		}
		res.Duplicate = !inserted
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

type alertChange struct {
	alert   *store.Alert
	created bool
}

func (g *Gateway) ingestTelemetry(ctx context.Context, device *store.Device, msg *protocol.Message) (*Result, error) {
	res := &Result{Device: device, MessageType: msg.Type}
	forced := msg.Type == protocol.MessageAlert
	thresholds := g.evaluator.Thresholds()

	areaID, err := g.areas.ResolveArea(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve area: %w", err)
	}

	reading := &store.Reading{
		DeviceID:          device.ID,
		Timestamp:         msg.DeviceInfo.Timestamp,
		Temperature:       msg.Environment.Temperature,
		Humidity:          msg.Environment.Humidity,
		SmokeLevel:        msg.Environment.SmokeLevel,
		BatteryPercentage: msg.Battery.Percentage,
		Latitude:          msg.GPS.Latitude,
		Longitude:         msg.GPS.Longitude,
	}
	if msg.Window != nil {
		reading.WindowSamples = msg.Window.Samples
	}
	if err := reading.SetDetections(msg.Detections); err != nil {
		return nil, err
	}

	unlock := g.locker.Lock(
		alert.Key(device.ID, alert.KindFire),
		alert.Key(device.ID, alert.KindLogging),
		alert.Key(device.ID, alert.KindLowBattery),
	)
	defer unlock()

	var changes []alertChange
	err = g.store.Transaction(ctx, func(tx *store.Store) error {
		changes = changes[:0]

		applied, err := tx.ApplyStatus(ctx, device.ID, statusOf(msg))
		if err != nil {
			return err
		}
		res.StatusApplied = applied

		inserted, err := tx.RecordReading(ctx, reading)
		if err != nil {
			return err
		}
		res.Duplicate = !inserted
		// A replayed periodic payload was already evaluated. Device-confirmed alerts
		// are evaluated again and coalesce into the alert they raised.
		if !inserted && !forced {
			return nil
		}

		if res.Device, err = tx.Device(ctx, device.ID); err != nil {
			return err
		}

		var history []alert.Sample
		if !forced {
			previous, err := tx.RecentReadings(ctx, device.ID, reading.Timestamp, max(thresholds.LoggingWindow, minHistory))
			if err != nil {
				return err
			}
			for i := range previous {
				s, err := sampleOf(&previous[i])
				if err != nil {
					return err
				}
				history = append(history, s)
			}
		}

		for _, d := range g.decide(msg, history, forced) {
			a, created, err := tx.UpsertAlert(ctx, store.AlertCandidate{
				DeviceID:   device.ID,
				AreaID:     areaID,
				Type:       store.AlertType(d.Kind),
				Subtype:    d.Subtype,
				Confidence: d.Confidence,
				DetectedAt: d.DetectedAt,
				Details:    d.Details,
			}, thresholds.CoalesceWindow)
			if err != nil {
				return err
			}
			changes = append(changes, alertChange{alert: a, created: created})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range changes {
		res.Alerts = append(res.Alerts, c.alert)
		g.announce(ctx, c, res.Device)
	}

	return res, nil
}

// decide evaluates the payload. A device-confirmed alert only raises the family it
// names, plus low battery.
func (g *Gateway) decide(msg *protocol.Message, history []alert.Sample, forced bool) []alert.Decision {
	current := alert.Sample{
		Timestamp:         msg.DeviceInfo.Timestamp,
		Detections:        msg.Detections,
		Temperature:       msg.Environment.Temperature,
		Humidity:          msg.Environment.Humidity,
		SmokeLevel:        msg.Environment.SmokeLevel,
		BatteryPercentage: msg.Battery.Percentage,
		Charging:          msg.Battery.Charging,
	}

	if !forced {
		return g.evaluator.Evaluate(current, history, false)
	}

	signal := msg.Alert
	if signal.Type == protocol.FamilyLogging && signal.Subtype != "" {
		label := strings.ToLower(signal.Subtype)
		if _, ok := current.Detections[label]; !ok && signal.Confidence > 0 {
			detections := make(protocol.Detections, len(current.Detections)+1)
			for k, v := range current.Detections {
				detections[k] = v
			}
			detections[label] = protocol.Detection{Confidence: signal.Confidence}
			current.Detections = detections
		}
	}
	if !signal.DetectedAt.IsZero() {
		current.Timestamp = signal.DetectedAt
	}

	var out []alert.Decision
	for _, d := range g.evaluator.Evaluate(current, nil, true) {
		switch d.Kind {
		case alert.KindFire, alert.KindLogging:
			if string(d.Kind) != string(signal.Type) {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func (g *Gateway) announce(ctx context.Context, c alertChange, device *store.Device) {
	kind := notify.AlertUpdated
	if c.created {
		kind = notify.AlertCreated
	}

	if g.metrics != nil {
		if c.created {
			g.metrics.AlertsRaised.WithLabelValues(string(c.alert.Type)).Inc()
		} else {
			g.metrics.AlertsCoalesced.WithLabelValues(string(c.alert.Type)).Inc()
		}
	}

	if c.created {
		g.logger.Info("alert raised",
			"alert_id", c.alert.PublicID,
			"type", c.alert.Type,
			"subtype", c.alert.Subtype,
			"confidence", c.alert.Confidence,
			"code_name", device.DisplayName(),
			"area_id", c.alert.AreaID,
		)
	}

	g.notifier.Notify(ctx, notify.NewAlertEvent(kind, c.alert, device, g.now()))
}

func (g *Gateway) reject(err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.MessagesRejected.WithLabelValues(protocol.KindName(err)).Inc()
}

func statusOf(msg *protocol.Message) store.DeviceStatus {
	status := store.DeviceStatus{
		ReportedAt:      msg.DeviceInfo.Timestamp,
		Mode:            msg.DeviceInfo.Status,
		FirmwareVersion: msg.DeviceInfo.FirmwareVersion,
	}
	if msg.Battery != nil {
		status.BatteryPercentage = msg.Battery.Percentage
		status.EstimatedRuntimeHours = msg.Battery.EstimatedRuntimeHours
		status.Charging = msg.Battery.Charging
	}
	if msg.GPS != nil && !msg.GPS.Unfixed() {
		status.HasLocation = true
		status.Latitude = msg.GPS.Latitude
		status.Longitude = msg.GPS.Longitude
		status.Accuracy = msg.GPS.Accuracy
	}
	return status
}

func sampleOf(r *store.Reading) (alert.Sample, error) {
	detections, err := r.DecodeDetections()
	if err != nil {
		return alert.Sample{}, err
	}
	return alert.Sample{
		Timestamp:         r.Timestamp,
		Detections:        detections,
		Temperature:       r.Temperature,
		Humidity:          r.Humidity,
		SmokeLevel:        r.SmokeLevel,
		BatteryPercentage: r.BatteryPercentage,
	}, nil
}

func storageFailure(err error) error {
	return &protocol.RejectError{
		Kind:   fmt.Errorf("%w: %w", protocol.ErrStorage, err),
		Reason: "temporarily unable to store payload",
	}
}
