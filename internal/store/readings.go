package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"foresta.dev/guardian/internal/protocol"
)

// SetDetections encodes the detection map into the reading.
func (r *Reading) SetDetections(d protocol.Detections) error {
	if d == nil {
		d = protocol.Detections{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode detections: %w", err)
	}
	r.Detections = raw
	return nil
}

// DecodeDetections returns the detection map stored with the reading.
func (r *Reading) DecodeDetections() (protocol.Detections, error) {
	d := protocol.Detections{}
	if len(r.Detections) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(r.Detections, &d); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	return d, nil
}

// RecordReading inserts a reading. A second reading with the same device and
// timestamp is ignored and reported as not inserted.
func (s *Store) RecordReading(ctx context.Context, reading *Reading) (bool, error) {
	start := time.Now()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "timestamp"}},
			DoNothing: true,
		}).
		Create(reading)
	s.observe("insert", "readings", start, res.Error)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create reading: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecordHealthCheck inserts a health check, ignoring duplicates like RecordReading.
func (s *Store) RecordHealthCheck(ctx context.Context, check *HealthCheck) (bool, error) {
	start := time.Now()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "timestamp"}},
			DoNothing: true,
		}).
		Create(check)
	s.observe("insert", "health_checks", start, res.Error)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create health check: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecentReadings returns up to limit readings of a device taken strictly before
// the given time, newest first.
func (s *Store) RecentReadings(ctx context.Context, deviceID uint, before time.Time, limit int) ([]Reading, error) {
	start := time.Now()
	var readings []Reading
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND timestamp < ?", deviceID, before.UTC()).
		Order("timestamp DESC").
		Limit(limit).
		Find(&readings).Error
	s.observe("select", "readings", start, err)
	if err != nil {
		return nil, err
	}
	return readings, nil
}

// TimeRange bounds a query. Zero values leave that side open.
type TimeRange struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Readings returns the readings of a device within r, oldest first.
func (s *Store) Readings(ctx context.Context, deviceID uint, r TimeRange) ([]Reading, error) {
	var readings []Reading
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	q = r.apply(q, "timestamp").Order("timestamp ASC")
	if err := q.Find(&readings).Error; err != nil {
		return nil, err
	}
	return readings, nil
}

// HealthChecks returns the health checks of a device within r, oldest first.
func (s *Store) HealthChecks(ctx context.Context, deviceID uint, r TimeRange) ([]HealthCheck, error) {
	var checks []HealthCheck
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	q = r.apply(q, "timestamp").Order("timestamp ASC")
	if err := q.Find(&checks).Error; err != nil {
		return nil, err
	}
	return checks, nil
}
