package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrRegistrationToken is returned when a registration request or poll presents a
// token that does not match the one recorded at first contact.
var ErrRegistrationToken = errors.New("registration token mismatch")

// Registration is the device-supplied identity recorded at first contact.
type Registration struct {
	HardwareID        string
	Token             string
	FirmwareVersion   string
	Capabilities      []string
	BatteryPercentage float64
}

// Approval carries the operator's decision for a pending device.
type Approval struct {
	CodeName string
	AreaID   string
}

// DeviceStatus is the latest-known view carried by every authenticated message.
type DeviceStatus struct {
	ReportedAt            time.Time
	Accuracy              *float64
	Mode                  string
	FirmwareVersion       string
	Latitude              float64
	Longitude             float64
	BatteryPercentage     float64
	EstimatedRuntimeHours float64
	HasLocation           bool
	Charging              bool
}

// Register records a device's first contact, or refreshes the metadata of a device
// that is still pending. Re-registration with a different token is refused.
func (s *Store) Register(ctx context.Context, reg Registration) (*Device, bool, error) {
	start := time.Now()
	var (
		device  Device
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("hardware_id = ?", reg.HardwareID).First(&device).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			caps, err := json.Marshal(reg.Capabilities)
			if err != nil {
				return fmt.Errorf("failed to encode capabilities: %w", err)
			}
			device = Device{
				HardwareID:            reg.HardwareID,
				State:                 StatePending,
				FirmwareVersion:       reg.FirmwareVersion,
				RegistrationTokenHash: s.hash(reg.Token),
				Capabilities:          caps,
				BatteryPercentage:     reg.BatteryPercentage,
			}
			created = true
			return tx.Create(&device).Error
		case err != nil:
			return err
		}

		if device.State == StateDecommissioned {
			return ErrDeviceDecommissioned
		}
		if !s.matches(device.RegistrationTokenHash, reg.Token) {
			return ErrRegistrationToken
		}
		if device.State != StatePending {
			return nil
		}

		caps, err := json.Marshal(reg.Capabilities)
		if err != nil {
			return fmt.Errorf("failed to encode capabilities: %w", err)
		}
		if err := tx.Model(&device).Updates(map[string]any{
			"firmware_version":   reg.FirmwareVersion,
			"capabilities":       caps,
			"battery_percentage": reg.BatteryPercentage,
		}).Error; err != nil {
			return err
		}
		return tx.First(&device, device.ID).Error
	})
	s.observe("upsert", "devices", start, err)
	if err != nil {
		return nil, false, err
	}

	return &device, created, nil
}

// PollRegistration returns the device and, once approved, the credential awaiting
// delivery. The registration token must match the one recorded at first contact.
func (s *Store) PollRegistration(ctx context.Context, hardwareID, token string) (*Device, *Credential, error) {
	var device Device
	if err := s.db.WithContext(ctx).Where("hardware_id = ?", hardwareID).First(&device).Error; err != nil {
		return nil, nil, notFound(err)
	}

	if !s.matches(device.RegistrationTokenHash, token) {
		return nil, nil, ErrRegistrationToken
	}

	if device.State == StatePending || device.State == StateDecommissioned {
		return &device, nil, nil
	}

	var cred Credential
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND revoked_at IS NULL", device.ID).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &device, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	return &device, &cred, nil
}

// Approve activates a pending device, assigns its code name and area, and issues its
// first credential. The returned key is the only copy of the plaintext outside the
// pending delivery slot.
func (s *Store) Approve(ctx context.Context, hardwareID string, approval Approval) (*Device, string, error) {
	if approval.CodeName == "" {
		return nil, "", errors.New("code name cannot be empty")
	}

	start := time.Now()
	var (
		device Device
		key    string
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("hardware_id = ?", hardwareID).First(&device).Error; err != nil {
			return notFound(err)
		}
		if device.State == StateDecommissioned {
			return ErrDeviceDecommissioned
		}
		if device.State != StatePending {
			return fmt.Errorf("%w: device is %s", ErrInvalidTransition, device.State)
		}

		now := s.now().UTC()
		if err := tx.Model(&device).Updates(map[string]any{
			"state":       StateActive,
			"code_name":   approval.CodeName,
			"area_id":     approval.AreaID,
			"approved_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to approve device: %w", err)
		}
		if err := tx.First(&device, device.ID).Error; err != nil {
			return err
		}

		var err error
		key, err = s.issueCredential(tx, device.ID, now)
		return err
	})
	s.observe("update", "devices", start, err)
	if err != nil {
		return nil, "", err
	}

	return &device, key, nil
}

// SetState moves a device between Active and Troubleshooting. Decommissioning has
// its own operation since it also revokes credentials.
func (s *Store) SetState(ctx context.Context, deviceID uint, state DeviceState) error {
	if state != StateActive && state != StateTroubleshooting {
		return fmt.Errorf("%w: cannot set state %q directly", ErrInvalidTransition, state)
	}

	device, err := s.Device(ctx, deviceID)
	if err != nil {
		return err
	}

	switch device.State {
	case StateDecommissioned:
		return ErrDeviceDecommissioned
	case StatePending:
		return fmt.Errorf("%w: device is pending approval", ErrInvalidTransition)
	}

	return s.db.WithContext(ctx).Model(&Device{}).
		Where("id = ?", deviceID).
		Update("state", state).Error
}

// Decommission retires a device permanently and revokes all of its credentials.
// Decommissioning an already decommissioned device is a no-op.
func (s *Store) Decommission(ctx context.Context, deviceID uint) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device Device
		if err := tx.First(&device, deviceID).Error; err != nil {
			return notFound(err)
		}
		if device.State == StateDecommissioned {
			return nil
		}

		now := s.now().UTC()
		if err := tx.Model(&device).Updates(map[string]any{
			"state":             StateDecommissioned,
			"decommissioned_at": now,
		}).Error; err != nil {
			return err
		}

		return revokeAll(tx, deviceID, now)
	})
	s.observe("update", "devices", start, err)
	return err
}

// ApplyStatus updates the device's latest-known status if reportedAt is strictly
// newer than the stored last_seen. It reports whether the update was applied.
func (s *Store) ApplyStatus(ctx context.Context, deviceID uint, status DeviceStatus) (bool, error) {
	start := time.Now()

	updates := map[string]any{
		"last_seen":               status.ReportedAt.UTC(),
		"battery_percentage":      status.BatteryPercentage,
		"estimated_runtime_hours": status.EstimatedRuntimeHours,
		"charging":                status.Charging,
	}
	if status.HasLocation {
		updates["latitude"] = status.Latitude
		updates["longitude"] = status.Longitude
		updates["accuracy"] = status.Accuracy
	}
	if status.FirmwareVersion != "" {
		updates["firmware_version"] = status.FirmwareVersion
	}
	if status.Mode != "" {
		updates["mode"] = status.Mode
	}

	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND (last_seen IS NULL OR last_seen < ?)", deviceID, status.ReportedAt.UTC()).
		Updates(updates)
	s.observe("update", "devices", start, res.Error)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update device status: %w", res.Error)
	}

	return res.RowsAffected > 0, nil
}

// Device loads a device by its primary key.
func (s *Store) Device(ctx context.Context, id uint) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).First(&device, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

// DeviceByHardwareID loads a device by its hardware identifier.
func (s *Store) DeviceByHardwareID(ctx context.Context, hardwareID string) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).Where("hardware_id = ?", hardwareID).First(&device).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

// DeviceByCodeName loads a device by its operator-assigned code name.
func (s *Store) DeviceByCodeName(ctx context.Context, codeName string) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).Where("code_name = ?", codeName).First(&device).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

// ResolveDevice accepts either a code name or a hardware identifier.
func (s *Store) ResolveDevice(ctx context.Context, ref string) (*Device, error) {
	device, err := s.DeviceByCodeName(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return s.DeviceByHardwareID(ctx, ref)
	}
	return device, err
}

// Devices lists devices, optionally filtered by state.
func (s *Store) Devices(ctx context.Context, state DeviceState) ([]Device, error) {
	var devices []Device
	q := s.db.WithContext(ctx).Order("id ASC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// StaleDevices returns active devices that have not reported since cutoff.
func (s *Store) StaleDevices(ctx context.Context, cutoff time.Time) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Where("state = ? AND last_seen IS NOT NULL AND last_seen < ?", StateActive, cutoff.UTC()).
		Order("last_seen ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// NextCodeName returns the next unused GUARDIAN-NNN code name.
func (s *Store) NextCodeName(ctx context.Context) (string, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Device{}).Where("code_name IS NOT NULL").Count(&count).Error; err != nil {
		return "", err
	}

	for n := count + 1; ; n++ {
		name := fmt.Sprintf("GUARDIAN-%03d", n)
		var taken int64
		if err := s.db.WithContext(ctx).Model(&Device{}).Where("code_name = ?", name).Count(&taken).Error; err != nil {
			return "", err
		}
		if taken == 0 {
			return name, nil
		}
	}
}
