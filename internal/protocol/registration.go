package protocol

import (
	"errors"
	"fmt"
	"time"
)

// RegistrationStatus is the state of a registration as seen by the device.
type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

// RegistrationRequest is sent by an unregistered device. It carries no credential;
// the registration token is a device-generated secret that later authorizes the approval poll.
type RegistrationRequest struct {
	UUID              string   `json:"uuid"`
	RegistrationToken string   `json:"registration_token"`
	FirmwareVersion   string   `json:"firmware_version"`
	Capabilities      []string `json:"capabilities"`
	BatteryPercentage float64  `json:"battery_percentage"`
}

// Validate checks the request fields.
func (r *RegistrationRequest) Validate() error {
	switch {
	case r.UUID == "":
		return Reject(ErrBadPayload, "uuid is required")
	case len(r.RegistrationToken) < 16:
		return Reject(ErrBadPayload, "registration_token must be at least 16 characters")
	case r.FirmwareVersion == "":
		return Reject(ErrBadPayload, "firmware_version is required")
	case len(r.Capabilities) == 0:
		return Reject(ErrBadPayload, "capabilities must not be empty")
	case r.BatteryPercentage < 0 || r.BatteryPercentage > 100:
		return Reject(ErrBadPayload, "battery_percentage %v out of range [0,100]", r.BatteryPercentage)
	}
	return nil
}

// RegistrationResponse answers both the registration request and the approval poll.
type RegistrationResponse struct {
	Config *OperatingConfig   `json:"config,omitempty"`
	Status RegistrationStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// Duration is a time.Duration that travels as a Go duration string ("30s").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Endpoints lists the gateway URLs a device talks to.
type Endpoints struct {
	Ingest       string `json:"ingest" yaml:"ingest"`
	Registration string `json:"registration" yaml:"registration"`
	Logs         string `json:"logs" yaml:"logs"`
	Health       string `json:"health" yaml:"health"`
}

// Intervals are the nominal timer periods in Monitoring mode.
type Intervals struct {
	HealthCheck  Duration `json:"health_check" yaml:"health_check"`
	PeriodicData Duration `json:"periodic_data" yaml:"periodic_data"`
	Sample       Duration `json:"sample" yaml:"sample"`
	ApprovalPoll Duration `json:"approval_poll" yaml:"approval_poll"`
}

// Thresholds are the on-device alert thresholds.
type Thresholds struct {
	LoggingLabels     []string `json:"logging_labels" yaml:"logging_labels"`
	SmokeLevel        float64  `json:"smoke_level" yaml:"smoke_level"`
	Temperature       float64  `json:"temperature" yaml:"temperature"`
	Humidity          float64  `json:"humidity" yaml:"humidity"`
	LoggingConfidence float64  `json:"logging_confidence" yaml:"logging_confidence"`
}

// LowPower configures the battery floor with its recovery hysteresis.
type LowPower struct {
	Floor              float64 `json:"floor" yaml:"floor"`
	Recovery           float64 `json:"recovery" yaml:"recovery"`
	IntervalMultiplier int     `json:"interval_multiplier" yaml:"interval_multiplier"`
}

// OperatingConfig is issued at approval and persisted by the device before it transmits.
type OperatingConfig struct {
	IssuedAt         time.Time  `json:"issued_at" yaml:"issued_at"`
	APIKey           string     `json:"api_key" yaml:"api_key"`
	SensorID         string     `json:"sensor_id" yaml:"sensor_id"`
	DeviceID         string     `json:"device_id" yaml:"device_id"`
	AreaID           string     `json:"area_id" yaml:"area_id"`
	Endpoints        Endpoints  `json:"endpoints" yaml:"endpoints"`
	Thresholds       Thresholds `json:"thresholds" yaml:"thresholds"`
	Intervals        Intervals  `json:"intervals" yaml:"intervals"`
	LowPower         LowPower   `json:"low_power" yaml:"low_power"`
	AlertCooldown    Duration   `json:"alert_cooldown" yaml:"alert_cooldown"`
	FailureThreshold int        `json:"failure_threshold" yaml:"failure_threshold"`
}

var errIncompleteConfig = errors.New("incomplete operating config")

// Validate checks that a config is usable by the state machine.
func (c *OperatingConfig) Validate() error {
	switch {
	case c.APIKey == "":
		return fmt.Errorf("%w: api_key is empty", errIncompleteConfig)
	case c.SensorID == "":
		return fmt.Errorf("%w: sensor_id is empty", errIncompleteConfig)
	case c.Endpoints.Ingest == "":
		return fmt.Errorf("%w: ingest endpoint is empty", errIncompleteConfig)
	case c.Intervals.HealthCheck <= 0 || c.Intervals.PeriodicData <= 0 || c.Intervals.Sample <= 0:
		return fmt.Errorf("%w: intervals must be positive", errIncompleteConfig)
	case c.LowPower.Recovery < c.LowPower.Floor:
		return fmt.Errorf("%w: low power recovery below floor", errIncompleteConfig)
	case c.FailureThreshold <= 0:
		return fmt.Errorf("%w: failure_threshold must be positive", errIncompleteConfig)
	}
	return nil
}
