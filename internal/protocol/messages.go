// Package protocol defines the Guardian device wire contract: the three telemetry
// message shapes, the registration exchange and the error taxonomy.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType distinguishes the three telemetry payload shapes.
type MessageType string

const (
	MessageHealthCheck  MessageType = "health_check"
	MessagePeriodicData MessageType = "periodic_data"
	MessageAlert        MessageType = "alert"
)

// AlertFamily is the detection family a device-confirmed alert belongs to.
type AlertFamily string

const (
	FamilyFire    AlertFamily = "fire"
	FamilyLogging AlertFamily = "logging"
)

// HTTP headers used between devices and the gateway.
const (
	HeaderAuthorization     = "Authorization"
	HeaderLegacyAPIKey      = "X-Guardian-API-Key"
	HeaderDeviceUUID        = "X-Guardian-Device-UUID"
	HeaderTimestamp         = "X-Guardian-Timestamp"
	HeaderRegistrationToken = "X-Guardian-Registration-Token"
)

// DeviceInfo is the common envelope identifying the sender.
type DeviceInfo struct {
	Timestamp       time.Time `json:"timestamp"`
	SensorID        string    `json:"sensor_id"`
	UUID            string    `json:"uuid"`
	Status          string    `json:"status,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
}

// GPSCoordinates is the reported position of a device.
type GPSCoordinates struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
}

// Unfixed reports whether the position is the 0,0 placeholder a device sends when
// it has no fix. A real position at 0,0 carries an accuracy.
func (g *GPSCoordinates) Unfixed() bool {
	return g.Latitude == 0 && g.Longitude == 0 && g.Accuracy == nil
}

// Battery is the reported power state.
type Battery struct {
	Percentage            float64 `json:"percentage"`
	EstimatedRuntimeHours float64 `json:"estimated_runtime_hours"`
	Charging              bool    `json:"charging"`
}

// Environment is an environmental snapshot or window aggregate.
type Environment struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	SmokeLevel  float64 `json:"smoke_level"`
}

// Detection is one classifier output.
type Detection struct {
	Subtype    string  `json:"subtype,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Detections maps a detection label to its confidence.
type Detections map[string]Detection

// Connectivity is reported by health checks.
type Connectivity struct {
	NetworkType    string  `json:"network_type"`
	SignalStrength float64 `json:"signal_strength"`
}

// Storage is reported by health checks.
type Storage struct {
	UsedPercent float64 `json:"used_percent"`
}

// System is reported by health checks.
type System struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Window describes the aggregation window of a periodic data message.
type Window struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Samples int       `json:"samples"`
}

// AlertSignal is the device-side confirmation carried by alert messages.
type AlertSignal struct {
	DetectedAt time.Time   `json:"detected_at"`
	Type       AlertFamily `json:"type"`
	Subtype    string      `json:"subtype,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// Message is a validated telemetry payload. Which optional blocks are set depends on Type.
type Message struct {
	GPS          *GPSCoordinates `json:"gps_coordinates,omitempty"`
	Battery      *Battery        `json:"battery,omitempty"`
	Environment  *Environment    `json:"environment,omitempty"`
	Detections   Detections      `json:"detections,omitempty"`
	Connectivity *Connectivity   `json:"connectivity,omitempty"`
	Storage      *Storage        `json:"storage,omitempty"`
	System       *System         `json:"system,omitempty"`
	Window       *Window         `json:"window,omitempty"`
	Alert        *AlertSignal    `json:"alert,omitempty"`
	Type         MessageType     `json:"message_type"`
	DeviceInfo   DeviceInfo      `json:"device_info"`
}

// IsAlertClass reports whether the message must never be silently dropped.
func (m *Message) IsAlertClass() bool {
	return m.Type == MessageAlert
}

// Encode serializes a message for transmission.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}
