package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Value ranges accepted from devices.
const (
	MinTemperature = -50.0
	MaxTemperature = 90.0
)

// Labels under which older firmware reports detections. A "logging" entry names the
// machine in its subtype; entries with detected=false are placeholders.
const (
	legacyLoggingLabel = "logging"
)

type wireDeviceInfo struct {
	Timestamp       *time.Time `json:"timestamp"`
	SensorID        string     `json:"sensor_id"`
	CodeName        string     `json:"code_name"`
	UUID            string     `json:"uuid"`
	Status          string     `json:"status"`
	FirmwareVersion string     `json:"firmware_version"`
}

type wireGPS struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
}

type wireBattery struct {
	Percentage            *float64 `json:"percentage"`
	Charging              *bool    `json:"charging"`
	EstimatedRuntimeHours *float64 `json:"estimated_runtime_hours"`
}

type wireEnvironment struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	SmokeLevel  *float64 `json:"smoke_level"`
}

type wireDetection struct {
	Confidence    *float64 `json:"confidence"`
	Detected      *bool    `json:"detected"`
	Subtype       string   `json:"subtype"`
	DetectionType string   `json:"detection_type"`
}

type wireConnectivity struct {
	SignalStrength *float64 `json:"signal_strength"`
	NetworkType    string   `json:"network_type"`
}

type wireStorage struct {
	UsedPercent *float64 `json:"used_percent"`
}

type wireSystem struct {
	CPUPercent    *float64 `json:"cpu_percent"`
	MemoryPercent *float64 `json:"memory_percent"`
	UptimeSeconds *uint64  `json:"uptime_seconds"`
}

type wireAlert struct {
	Type       string     `json:"type"`
	Subtype    string     `json:"subtype"`
	Confidence *float64   `json:"confidence"`
	DetectedAt *time.Time `json:"detected_at"`
}

type wireMessage struct {
	MessageType  string                   `json:"message_type"`
	DeviceInfo   *wireDeviceInfo          `json:"device_info"`
	GPS          *wireGPS                 `json:"gps_coordinates"`
	Battery      *wireBattery             `json:"battery"`
	Environment  *wireEnvironment         `json:"environment"`
	Detections   map[string]wireDetection `json:"detections"`
	Connectivity *wireConnectivity        `json:"connectivity"`
	Storage      *wireStorage             `json:"storage"`
	System       *wireSystem              `json:"system"`
	Window       *Window                  `json:"window"`
	Alert        *wireAlert               `json:"alert"`
}

// Decode parses and validates a raw telemetry payload. Every failure wraps ErrBadPayload.
func Decode(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, Reject(ErrBadPayload, "empty payload")
	}

	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, Reject(ErrBadPayload, "malformed json: %v", err)
	}

	msg := &Message{Type: MessageType(w.MessageType)}

	info, err := decodeDeviceInfo(w.DeviceInfo)
	if err != nil {
		return nil, err
	}
	msg.DeviceInfo = info

	switch msg.Type {
	case MessageHealthCheck:
		err = decodeHealthCheck(&w, msg)
	case MessagePeriodicData:
		err = decodeTelemetry(&w, msg)
	case MessageAlert:
		if err = decodeTelemetry(&w, msg); err == nil {
			err = decodeAlertSignal(w.Alert, msg)
		}
	case "":
		return nil, Reject(ErrBadPayload, "message_type is required")
	default:
		return nil, Reject(ErrBadPayload, "unknown message_type %q", w.MessageType)
	}
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func decodeDeviceInfo(w *wireDeviceInfo) (DeviceInfo, error) {
	if w == nil {
		return DeviceInfo{}, Reject(ErrBadPayload, "device_info is required")
	}
	sensorID := w.SensorID
	if sensorID == "" {
		sensorID = w.CodeName
	}
	if w.UUID == "" {
		return DeviceInfo{}, Reject(ErrBadPayload, "device_info.uuid is required")
	}
	if w.Timestamp == nil || w.Timestamp.IsZero() {
		return DeviceInfo{}, Reject(ErrBadPayload, "device_info.timestamp is required")
	}
	return DeviceInfo{
		SensorID:        sensorID,
		UUID:            w.UUID,
		Timestamp:       w.Timestamp.UTC(),
		Status:          w.Status,
		FirmwareVersion: w.FirmwareVersion,
	}, nil
}

func decodeHealthCheck(w *wireMessage, msg *Message) error {
	battery, err := decodeBattery(w.Battery)
	if err != nil {
		return err
	}
	msg.Battery = battery

	if w.GPS != nil {
		if msg.GPS, err = decodeGPS(w.GPS); err != nil {
			return err
		}
	}

	if w.Connectivity != nil {
		c := &Connectivity{NetworkType: w.Connectivity.NetworkType}
		if w.Connectivity.SignalStrength != nil {
			c.SignalStrength = *w.Connectivity.SignalStrength
		}
		msg.Connectivity = c
	}

	if w.Storage != nil {
		if w.Storage.UsedPercent == nil {
			return Reject(ErrBadPayload, "storage.used_percent is required")
		}
		if err := percent("storage.used_percent", *w.Storage.UsedPercent); err != nil {
			return err
		}
		msg.Storage = &Storage{UsedPercent: *w.Storage.UsedPercent}
	}

	if w.System != nil {
		s := &System{}
		if w.System.CPUPercent != nil {
			if err := percent("system.cpu_percent", *w.System.CPUPercent); err != nil {
				return err
			}
			s.CPUPercent = *w.System.CPUPercent
		}
		if w.System.MemoryPercent != nil {
			if err := percent("system.memory_percent", *w.System.MemoryPercent); err != nil {
				return err
			}
			s.MemoryPercent = *w.System.MemoryPercent
		}
		if w.System.UptimeSeconds != nil {
			s.UptimeSeconds = *w.System.UptimeSeconds
		}
		msg.System = s
	}

	return nil
}

func decodeTelemetry(w *wireMessage, msg *Message) error {
	var err error
	if w.GPS == nil {
		return Reject(ErrBadPayload, "gps_coordinates is required")
	}
	if msg.GPS, err = decodeGPS(w.GPS); err != nil {
		return err
	}
	if msg.Battery, err = decodeBattery(w.Battery); err != nil {
		return err
	}
	if msg.Environment, err = decodeEnvironment(w.Environment); err != nil {
		return err
	}
	if msg.Detections, err = decodeDetections(w.Detections); err != nil {
		return err
	}
	if w.Window != nil {
		if w.Window.Samples < 0 {
			return Reject(ErrBadPayload, "window.samples must not be negative")
		}
		if !w.Window.End.IsZero() && w.Window.End.Before(w.Window.Start) {
			return Reject(ErrBadPayload, "window.end precedes window.start")
		}
		msg.Window = w.Window
	}
	return nil
}

func decodeGPS(w *wireGPS) (*GPSCoordinates, error) {
	if w.Latitude == nil || w.Longitude == nil {
		return nil, Reject(ErrBadPayload, "gps_coordinates.latitude and longitude are required")
	}
	if *w.Latitude < -90 || *w.Latitude > 90 {
		return nil, Reject(ErrBadPayload, "gps_coordinates.latitude %v out of range [-90,90]", *w.Latitude)
	}
	if *w.Longitude < -180 || *w.Longitude > 180 {
		return nil, Reject(ErrBadPayload, "gps_coordinates.longitude %v out of range [-180,180]", *w.Longitude)
	}
	if w.Accuracy != nil && *w.Accuracy < 0 {
		return nil, Reject(ErrBadPayload, "gps_coordinates.accuracy must not be negative")
	}
	return &GPSCoordinates{Latitude: *w.Latitude, Longitude: *w.Longitude, Accuracy: w.Accuracy}, nil
}

func decodeBattery(w *wireBattery) (*Battery, error) {
	if w == nil {
		return nil, Reject(ErrBadPayload, "battery is required")
	}
	if w.Percentage == nil {
		return nil, Reject(ErrBadPayload, "battery.percentage is required")
	}
	if err := percent("battery.percentage", *w.Percentage); err != nil {
		return nil, err
	}
	b := &Battery{Percentage: *w.Percentage}
	if w.Charging != nil {
		b.Charging = *w.Charging
	}
	if w.EstimatedRuntimeHours != nil {
		if *w.EstimatedRuntimeHours < 0 {
			return nil, Reject(ErrBadPayload, "battery.estimated_runtime_hours must not be negative")
		}
		b.EstimatedRuntimeHours = *w.EstimatedRuntimeHours
	}
	return b, nil
}

func decodeEnvironment(w *wireEnvironment) (*Environment, error) {
	if w == nil {
		return nil, Reject(ErrBadPayload, "environment is required")
	}
	if w.Temperature == nil || w.Humidity == nil || w.SmokeLevel == nil {
		return nil, Reject(ErrBadPayload, "environment.temperature, humidity and smoke_level are required")
	}
	if *w.Temperature < MinTemperature || *w.Temperature > MaxTemperature {
		return nil, Reject(ErrBadPayload, "environment.temperature %v out of range [%v,%v]",
			*w.Temperature, MinTemperature, MaxTemperature)
	}
	if err := percent("environment.humidity", *w.Humidity); err != nil {
		return nil, err
	}
	if *w.SmokeLevel < 0 {
		return nil, Reject(ErrBadPayload, "environment.smoke_level must not be negative")
	}
	return &Environment{Temperature: *w.Temperature, Humidity: *w.Humidity, SmokeLevel: *w.SmokeLevel}, nil
}

func decodeDetections(w map[string]wireDetection) (Detections, error) {
	if len(w) == 0 {
		return nil, nil
	}
	out := make(Detections, len(w))
	for label, d := range w {
		if d.Detected != nil && !*d.Detected {
			continue
		}
		if d.Confidence == nil {
			return nil, Reject(ErrBadPayload, "detections.%s.confidence is required", label)
		}
		if *d.Confidence < 0 || *d.Confidence > 1 {
			return nil, Reject(ErrBadPayload, "detections.%s.confidence %v out of range [0,1]", label, *d.Confidence)
		}
		subtype := d.Subtype
		if subtype == "" {
			subtype = d.DetectionType
		}
		key := strings.ToLower(label)
		if key == legacyLoggingLabel && subtype != "" {
			key = strings.ToLower(subtype)
			subtype = ""
		}
		if prev, ok := out[key]; ok && prev.Confidence >= *d.Confidence {
			continue
		}
		out[key] = Detection{Confidence: *d.Confidence, Subtype: subtype}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func decodeAlertSignal(w *wireAlert, msg *Message) error {
	if w == nil {
		return Reject(ErrBadPayload, "alert is required")
	}
	family := AlertFamily(strings.ToLower(w.Type))
	if family != FamilyFire && family != FamilyLogging {
		return Reject(ErrBadPayload, "alert.type %q must be fire or logging", w.Type)
	}
	signal := &AlertSignal{Type: family, Subtype: w.Subtype}
	if w.Confidence != nil {
		if *w.Confidence < 0 || *w.Confidence > 1 {
			return Reject(ErrBadPayload, "alert.confidence %v out of range [0,1]", *w.Confidence)
		}
		signal.Confidence = *w.Confidence
	}
	if w.DetectedAt != nil {
		signal.DetectedAt = w.DetectedAt.UTC()
	} else {
		signal.DetectedAt = msg.DeviceInfo.Timestamp
	}
	msg.Alert = signal
	return nil
}

func percent(field string, v float64) error {
	if v < 0 || v > 100 {
		return Reject(ErrBadPayload, "%s %v out of range [0,100]", field, v)
	}
	return nil
}

// String renders a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s from %s at %s", m.Type, m.DeviceInfo.UUID, m.DeviceInfo.Timestamp.Format(time.RFC3339))
}
