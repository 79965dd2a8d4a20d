package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
)

// DeviceProfile is the operating configuration template handed to approved devices.
type DeviceProfile struct {
	Endpoints        protocol.Endpoints
	Intervals        protocol.Intervals
	LowPower         protocol.LowPower
	AlertCooldown    time.Duration
	FailureThreshold int
}

// DefaultDeviceProfile returns the stock profile for a gateway reachable at baseURL.
func DefaultDeviceProfile(baseURL string) DeviceProfile {
	return DeviceProfile{
		Endpoints: protocol.Endpoints{
			Ingest:       baseURL + "/api/sensors/data",
			Registration: baseURL + "/api/sensors/register",
			Logs:         baseURL + "/api/sensors/logs",
			Health:       baseURL + "/healthz",
		},
		Intervals: protocol.Intervals{
			HealthCheck:  protocol.Duration(5 * time.Minute),
			PeriodicData: protocol.Duration(15 * time.Minute),
			Sample:       protocol.Duration(10 * time.Second),
			ApprovalPoll: protocol.Duration(60 * time.Second),
		},
		LowPower: protocol.LowPower{
			Floor:              20,
			Recovery:           25,
			IntervalMultiplier: 4,
		},
		AlertCooldown:    5 * time.Minute,
		FailureThreshold: 3,
	}
}

// Registrar handles the device registration exchange and operator lifecycle actions.
type Registrar struct {
	logger      *slog.Logger
	store       *store.Store
	evaluator   *alert.Evaluator
	metrics     *metrics.GatewayMetrics
	profile     DeviceProfile
	minFirmware *semver.Constraints
}

// RegistrarConfig holds the configuration for the Registrar.
type RegistrarConfig struct {
	Logger    *slog.Logger
	Store     *store.Store
	Evaluator *alert.Evaluator
	Metrics   *metrics.GatewayMetrics // Optional
	Profile   DeviceProfile
	// MinFirmware is an optional semver constraint, e.g. ">= 1.2.0".
	MinFirmware string
}

// NewRegistrar creates a new Registrar instance.
func NewRegistrar(cfg *RegistrarConfig) (*Registrar, error) {
	if cfg == nil {
		return nil, errors.New("registrar config cannot be nil")
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

	if cfg.Profile.Endpoints.Ingest == "" {
		return nil, errors.New("ingest endpoint cannot be empty")
	}

	r := &Registrar{
		logger:    cfg.Logger.With("component", "registrar"),
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		metrics:   cfg.Metrics,
		profile:   cfg.Profile,
	}

	if cfg.MinFirmware != "" {
		c, err := semver.NewConstraint(cfg.MinFirmware)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum firmware constraint: %w", err)
		}
		r.minFirmware = c
	}

	return r, nil
}

// Register records a registration request. The response is pending until an operator
// approves the device; a device that is already approved gets its configuration back.
func (r *Registrar) Register(ctx context.Context, req *protocol.RegistrationRequest) (*protocol.RegistrationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(req.FirmwareVersion)
	if err != nil {
		return nil, protocol.Reject(protocol.ErrBadPayload, "firmware_version %q is not a semantic version", req.FirmwareVersion)
	}
	if r.minFirmware != nil && !r.minFirmware.Check(version) {
		r.count(protocol.RegistrationRejected)
		return &protocol.RegistrationResponse{
			Status: protocol.RegistrationRejected,
			Reason: fmt.Sprintf("firmware %s does not satisfy %s", version, r.minFirmware),
		}, nil
	}

	device, created, err := r.store.Register(ctx, store.Registration{
		HardwareID:        req.UUID,
		Token:             req.RegistrationToken,
		FirmwareVersion:   version.String(),
		Capabilities:      req.Capabilities,
		BatteryPercentage: req.BatteryPercentage,
	})
	if err != nil {
		return nil, r.classify(err)
	}

	if created {
		r.logger.Info("device registered, awaiting approval",
			"hardware_id", device.HardwareID,
			"firmware_version", device.FirmwareVersion,
			"capabilities", req.Capabilities,
		)
	}

	return r.Poll(ctx, req.UUID, req.RegistrationToken)
}

// Poll answers the approval poll. The plaintext credential is returned until the
// device first authenticates with it; afterwards the config carries no api_key.
func (r *Registrar) Poll(ctx context.Context, hardwareID, token string) (*protocol.RegistrationResponse, error) {
	device, cred, err := r.store.PollRegistration(ctx, hardwareID, token)
	if err != nil {
		return nil, r.classify(err)
	}

	switch {
	case device.State == store.StateDecommissioned:
		r.count(protocol.RegistrationRejected)
		return &protocol.RegistrationResponse{
			Status: protocol.RegistrationRejected,
			Reason: protocol.ReasonDecommissioned,
		}, nil
	case device.State == store.StatePending:
		r.count(protocol.RegistrationPending)
		return &protocol.RegistrationResponse{Status: protocol.RegistrationPending}, nil
	case cred == nil:
		r.count(protocol.RegistrationRejected)
		return &protocol.RegistrationResponse{
			Status: protocol.RegistrationRejected,
			Reason: protocol.ReasonRevoked,
		}, nil
	}

	r.count(protocol.RegistrationApproved)
	return &protocol.RegistrationResponse{
		Status: protocol.RegistrationApproved,
		Config: r.OperatingConfig(device, cred),
	}, nil
}

// OperatingConfig builds the configuration snapshot for an approved device.
func (r *Registrar) OperatingConfig(device *store.Device, cred *store.Credential) *protocol.OperatingConfig {
	t := r.evaluator.Thresholds()
	return &protocol.OperatingConfig{
		IssuedAt:  cred.IssuedAt,
		APIKey:    cred.Delivery,
		SensorID:  device.DisplayName(),
		DeviceID:  device.HardwareID,
		AreaID:    device.AreaID,
		Endpoints: r.profile.Endpoints,
		Thresholds: protocol.Thresholds{
			LoggingLabels:     t.LoggingLabels,
			SmokeLevel:        t.SmokeLevel,
			Temperature:       t.Temperature,
			Humidity:          t.Humidity,
			LoggingConfidence: t.LoggingConfidence,
		},
		Intervals:        r.profile.Intervals,
		LowPower:         r.profile.LowPower,
		AlertCooldown:    protocol.Duration(r.profile.AlertCooldown),
		FailureThreshold: r.profile.FailureThreshold,
	}
}

// Approve activates a pending device. An empty code name gets the next GUARDIAN-NNN.
func (r *Registrar) Approve(ctx context.Context, ref, codeName, areaID string) (*store.Device, error) {
	device, err := r.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, err
	}

	if codeName == "" {
		if codeName, err = r.store.NextCodeName(ctx); err != nil {
			return nil, fmt.Errorf("failed to allocate code name: %w", err)
		}
	}

	approved, key, err := r.store.Approve(ctx, device.HardwareID, store.Approval{CodeName: codeName, AreaID: areaID})
	if err != nil {
		return nil, err
	}

	r.logger.Info("device approved",
		"hardware_id", approved.HardwareID,
		"code_name", codeName,
		"area_id", areaID,
		"key_prefix", key[:10],
	)
	return approved, nil
}

// RotateCredential replaces the device's credential. The device picks the new key up
// through the registration poll.
func (r *Registrar) RotateCredential(ctx context.Context, ref string) (*store.Device, error) {
	device, err := r.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Rotate(ctx, device.ID); err != nil {
		return nil, err
	}
	return device, nil
}

// Revoke revokes the device's credential without issuing a new one.
func (r *Registrar) Revoke(ctx context.Context, ref string) (*store.Device, error) {
	device, err := r.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.store.Revoke(ctx, device.ID); err != nil {
		return nil, err
	}
	r.logger.Info("credential revoked", "hardware_id", device.HardwareID, "code_name", device.DisplayName())
	return device, nil
}

// Decommission retires the device permanently.
func (r *Registrar) Decommission(ctx context.Context, ref string) (*store.Device, error) {
	device, err := r.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.store.Decommission(ctx, device.ID); err != nil {
		return nil, err
	}
	r.logger.Info("device decommissioned", "hardware_id", device.HardwareID, "code_name", device.DisplayName())
	return device, nil
}

// SetTroubleshooting moves an active device into or out of troubleshooting.
func (r *Registrar) SetTroubleshooting(ctx context.Context, ref string, on bool) (*store.Device, error) {
	device, err := r.store.ResolveDevice(ctx, ref)
	if err != nil {
		return nil, err
	}

	state := store.StateActive
	if on {
		state = store.StateTroubleshooting
	}
	if err := r.store.SetState(ctx, device.ID, state); err != nil {
		return nil, err
	}
	return device, nil
}

func (r *Registrar) classify(err error) error {
	switch {
	case errors.Is(err, store.ErrDeviceDecommissioned):
		return protocol.Reject(protocol.ErrForbidden, protocol.ReasonDecommissioned)
	case errors.Is(err, store.ErrRegistrationToken):
		return protocol.Reject(protocol.ErrUnauthorized, "registration token mismatch")
	case errors.Is(err, store.ErrNotFound):
		return protocol.Reject(protocol.ErrUnauthorized, "unknown device")
	default:
		r.logger.Error("registration storage failure", "error", err)
		return storageFailure(err)
	}
}

func (r *Registrar) count(status protocol.RegistrationStatus) {
	if r.metrics != nil {
		r.metrics.RegistrationsTotal.WithLabelValues(string(status)).Inc()
	}
}
