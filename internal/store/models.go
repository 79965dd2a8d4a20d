// Package store persists Guardian device status, readings, health checks and alerts
// in PostgreSQL, with differentiated retention per record class.
package store

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceState is the backend view of a device's lifecycle.
type DeviceState string

const (
	StatePending         DeviceState = "pending"
	StateActive          DeviceState = "active"
	StateTroubleshooting DeviceState = "troubleshooting"
	StateDecommissioned  DeviceState = "decommissioned"
)

// Device is a registered Guardian field unit.
type Device struct {
	LastSeen              *time.Time     `gorm:"index:idx_devices_last_seen"`
	ApprovedAt            *time.Time
	DecommissionedAt      *time.Time
	CodeName              *string        `gorm:"uniqueIndex"`
	Accuracy              *float64
	CreatedAt             time.Time      `gorm:"autoCreateTime"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime"`
	HardwareID            string         `gorm:"uniqueIndex;not null"`
	AreaID                string         `gorm:"index"`
	State                 DeviceState    `gorm:"index;not null"`
	Mode                  string
	FirmwareVersion       string
	RegistrationTokenHash string         `gorm:"not null"`
	Capabilities          datatypes.JSON
	Latitude              float64
	Longitude             float64
	BatteryPercentage     float64
	EstimatedRuntimeHours float64
	ID                    uint           `gorm:"primaryKey"`
	Charging              bool
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// DisplayName returns the code name, falling back to the hardware identifier.
func (d *Device) DisplayName() string {
	if d.CodeName != nil && *d.CodeName != "" {
		return *d.CodeName
	}
	return d.HardwareID
}

// Credential is an API key issued to a device. Only its keyed hash is stored; the
// plaintext is kept in Delivery until the device first authenticates with it.
type Credential struct {
	IssuedAt    time.Time  `gorm:"not null"`
	RevokedAt   *time.Time `gorm:"index"`
	DeliveredAt *time.Time
	KeyHash     string     `gorm:"uniqueIndex;not null"`
	Prefix      string     `gorm:"not null"`
	Delivery    string
	ID          uint       `gorm:"primaryKey"`
	DeviceID    uint       `gorm:"uniqueIndex:idx_credentials_active,where:revoked_at IS NULL;not null"`
}

// TableName specifies the table name for Credential model.
func (Credential) TableName() string {
	return "device_credentials"
}

// Reading is an immutable environmental snapshot. Timestamps are device-local.
type Reading struct {
	Timestamp         time.Time      `gorm:"uniqueIndex:idx_readings_device_ts,priority:2;index:idx_readings_ts;not null"`
	CreatedAt         time.Time      `gorm:"autoCreateTime"`
	Detections        datatypes.JSON
	Temperature       float64        `gorm:"not null"`
	Humidity          float64        `gorm:"not null"`
	SmokeLevel        float64        `gorm:"not null"`
	BatteryPercentage float64
	Latitude          float64
	Longitude         float64
	ID                uint           `gorm:"primaryKey"`
	DeviceID          uint           `gorm:"uniqueIndex:idx_readings_device_ts,priority:1;not null"`
	WindowSamples     int
}

// TableName specifies the table name for Reading model.
func (Reading) TableName() string {
	return "readings"
}

// HealthCheck is a short-lived attestation of device health.
type HealthCheck struct {
	Timestamp          time.Time `gorm:"uniqueIndex:idx_health_device_ts,priority:2;index:idx_health_ts;not null"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	NetworkType        string
	BatteryPercentage  float64
	SignalStrength     float64
	StorageUsedPercent float64
	CPUPercent         float64
	MemoryPercent      float64
	UptimeSeconds      uint64
	ID                 uint `gorm:"primaryKey"`
	DeviceID           uint `gorm:"uniqueIndex:idx_health_device_ts,priority:1;not null"`
	Charging           bool
}

// TableName specifies the table name for HealthCheck model.
func (HealthCheck) TableName() string {
	return "health_checks"
}

// AlertType is the kind of threat an alert represents.
type AlertType string

const (
	AlertFire       AlertType = "fire"
	AlertLogging    AlertType = "logging"
	AlertLowBattery AlertType = "low-battery"
	AlertOffline    AlertType = "offline"
	AlertOther      AlertType = "other"
)

// AlertStatus is the operator workflow state of an alert.
type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is a detected threat condition. Alerts are never purged.
type Alert struct {
	FirstDetectedAt time.Time      `gorm:"not null"`
	DetectedAt      time.Time      `gorm:"index:idx_alerts_device_type_detected,priority:3;index;not null"`
	CreatedAt       time.Time      `gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime"`
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
	PublicID        string         `gorm:"uniqueIndex;not null"`
	AreaID          string         `gorm:"index"`
	Type            AlertType      `gorm:"index:idx_alerts_device_type_detected,priority:2;not null"`
	Subtype         string
	Status          AlertStatus    `gorm:"index;not null"`
	AcknowledgedBy  string
	ResolvedBy      string
	ResolutionNotes string
	Details         datatypes.JSON
	Confidence      float64        `gorm:"not null"`
	ID              uint           `gorm:"primaryKey"`
	DeviceID        uint           `gorm:"index:idx_alerts_device_type_detected,priority:1;not null"`
	Occurrences     int            `gorm:"not null;default:1"`
}

// TableName specifies the table name for Alert model.
func (Alert) TableName() string {
	return "alerts"
}
