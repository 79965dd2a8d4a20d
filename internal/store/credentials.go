package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

const keyPrefix = "gdn_"

var (
	// ErrUnknownCredential is returned when a presented key matches no credential.
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrCredentialRevoked is returned when a presented key has been revoked.
	ErrCredentialRevoked = errors.New("credential revoked")
)

// Authenticate resolves an API key to its device. A credential still awaiting
// delivery is marked delivered on first successful use.
func (s *Store) Authenticate(ctx context.Context, apiKey string) (*Device, error) {
	if apiKey == "" {
		return nil, ErrUnknownCredential
	}

	start := time.Now()
	var cred Credential
	err := s.db.WithContext(ctx).Where("key_hash = ?", s.hash(apiKey)).First(&cred).Error
	s.observe("select", "device_credentials", start, err)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, err
	}

	device, err := s.Device(ctx, cred.DeviceID)
	if err != nil {
		return nil, err
	}

	if device.State == StateDecommissioned {
		return nil, ErrDeviceDecommissioned
	}
	if cred.RevokedAt != nil {
		return nil, ErrCredentialRevoked
	}

	if cred.Delivery != "" {
		now := s.now().UTC()
		if err := s.db.WithContext(ctx).Model(&Credential{}).
			Where("id = ?", cred.ID).
			Updates(map[string]any{"delivery": "", "delivered_at": now}).Error; err != nil {
			return nil, fmt.Errorf("failed to mark credential delivered: %w", err)
		}
	}

	return device, nil
}

// Rotate revokes the device's current credential and issues a new one. The new key
// is held for delivery through the registration poll.
func (s *Store) Rotate(ctx context.Context, deviceID uint) (string, error) {
	var key string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device Device
		if err := tx.First(&device, deviceID).Error; err != nil {
			return notFound(err)
		}
		switch device.State {
		case StateDecommissioned:
			return ErrDeviceDecommissioned
		case StatePending:
			return fmt.Errorf("%w: device is pending approval", ErrInvalidTransition)
		}

		now := s.now().UTC()
		if err := revokeAll(tx, deviceID, now); err != nil {
			return err
		}

		var err error
		key, err = s.issueCredential(tx, deviceID, now)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("credential rotated", "device_id", deviceID)
	return key, nil
}

// Revoke revokes every active credential of a device.
func (s *Store) Revoke(ctx context.Context, deviceID uint) error {
	if _, err := s.Device(ctx, deviceID); err != nil {
		return err
	}
	return revokeAll(s.db.WithContext(ctx), deviceID, s.now().UTC())
}

func (s *Store) issueCredential(tx *gorm.DB, deviceID uint, now time.Time) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", err
	}

	cred := Credential{
		DeviceID: deviceID,
		KeyHash:  s.hash(key),
		Prefix:   key[:len(keyPrefix)+6],
		Delivery: key,
		IssuedAt: now,
	}
	if err := tx.Create(&cred).Error; err != nil {
		return "", fmt.Errorf("failed to issue credential: %w", err)
	}

	return key, nil
}

func revokeAll(tx *gorm.DB, deviceID uint, now time.Time) error {
	err := tx.Model(&Credential{}).
		Where("device_id = ? AND revoked_at IS NULL", deviceID).
		Updates(map[string]any{"revoked_at": now, "delivery": ""}).Error
	if err != nil {
		return fmt.Errorf("failed to revoke credentials: %w", err)
	}
	return nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// hash returns the keyed BLAKE2b-256 digest of a secret.
func (s *Store) hash(secret string) string {
	h, err := blake2b.New256(s.pepper)
	if err != nil {
		// New() rejects peppers over 64 bytes
		panic(err)
	}
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) matches(stored, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(s.hash(secret))) == 1
}
