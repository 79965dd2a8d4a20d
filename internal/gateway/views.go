package gateway

import (
	"encoding/json"
	"time"

	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
)

type deviceView struct {
	LastSeen              *time.Time      `json:"last_seen,omitempty"`
	ApprovedAt            *time.Time      `json:"approved_at,omitempty"`
	Accuracy              *float64        `json:"accuracy,omitempty"`
	HardwareID            string          `json:"hardware_id"`
	CodeName              string          `json:"code_name"`
	AreaID                string          `json:"area_id"`
	State                 string          `json:"state"`
	Mode                  string          `json:"mode,omitempty"`
	FirmwareVersion       string          `json:"firmware_version"`
	Capabilities          json.RawMessage `json:"capabilities,omitempty"`
	Latitude              float64         `json:"latitude"`
	Longitude             float64         `json:"longitude"`
	BatteryPercentage     float64         `json:"battery_percentage"`
	EstimatedRuntimeHours float64         `json:"estimated_runtime_hours"`
	Charging              bool            `json:"charging"`
}

func newDeviceView(d *store.Device) deviceView {
	return deviceView{
		LastSeen:              d.LastSeen,
		ApprovedAt:            d.ApprovedAt,
		Accuracy:              d.Accuracy,
		HardwareID:            d.HardwareID,
		CodeName:              d.DisplayName(),
		AreaID:                d.AreaID,
		State:                 string(d.State),
		Mode:                  d.Mode,
		FirmwareVersion:       d.FirmwareVersion,
		Capabilities:          json.RawMessage(d.Capabilities),
		Latitude:              d.Latitude,
		Longitude:             d.Longitude,
		BatteryPercentage:     d.BatteryPercentage,
		EstimatedRuntimeHours: d.EstimatedRuntimeHours,
		Charging:              d.Charging,
	}
}

type readingView struct {
	Timestamp   time.Time           `json:"timestamp"`
	Detections  protocol.Detections `json:"detections,omitempty"`
	Temperature float64             `json:"temperature"`
	Humidity    float64             `json:"humidity"`
	SmokeLevel  float64             `json:"smoke_level"`
	Battery     float64             `json:"battery_percentage"`
	Samples     int                 `json:"window_samples,omitempty"`
}

func newReadingView(r *store.Reading) readingView {
	detections, _ := r.DecodeDetections()
	return readingView{
		Timestamp:   r.Timestamp,
		Detections:  detections,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		SmokeLevel:  r.SmokeLevel,
		Battery:     r.BatteryPercentage,
		Samples:     r.WindowSamples,
	}
}

type healthCheckView struct {
	Timestamp          time.Time `json:"timestamp"`
	NetworkType        string    `json:"network_type,omitempty"`
	BatteryPercentage  float64   `json:"battery_percentage"`
	SignalStrength     float64   `json:"signal_strength"`
	StorageUsedPercent float64   `json:"storage_used_percent"`
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	UptimeSeconds      uint64    `json:"uptime_seconds"`
	Charging           bool      `json:"charging"`
}

func newHealthCheckView(h *store.HealthCheck) healthCheckView {
	return healthCheckView{
		Timestamp:          h.Timestamp,
		NetworkType:        h.NetworkType,
		BatteryPercentage:  h.BatteryPercentage,
		SignalStrength:     h.SignalStrength,
		StorageUsedPercent: h.StorageUsedPercent,
		CPUPercent:         h.CPUPercent,
		MemoryPercent:      h.MemoryPercent,
		UptimeSeconds:      h.UptimeSeconds,
		Charging:           h.Charging,
	}
}

type alertView struct {
	DetectedAt      time.Time       `json:"detected_at"`
	FirstDetectedAt time.Time       `json:"first_detected_at"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ID              string          `json:"id"`
	AreaID          string          `json:"area_id"`
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	Status          string          `json:"status"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	Confidence      float64         `json:"confidence"`
	Occurrences     int             `json:"occurrences"`
}

func newAlertView(a *store.Alert) alertView {
	return alertView{
		DetectedAt:      a.DetectedAt,
		FirstDetectedAt: a.FirstDetectedAt,
		AcknowledgedAt:  a.AcknowledgedAt,
		ResolvedAt:      a.ResolvedAt,
		ID:              a.PublicID,
		AreaID:          a.AreaID,
		Type:            string(a.Type),
		Subtype:         a.Subtype,
		Status:          string(a.Status),
		AcknowledgedBy:  a.AcknowledgedBy,
		ResolvedBy:      a.ResolvedBy,
		ResolutionNotes: a.ResolutionNotes,
		Details:         json.RawMessage(a.Details),
		Confidence:      a.Confidence,
		Occurrences:     a.Occurrences,
	}
}
