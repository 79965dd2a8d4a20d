package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultCoalesceWindow is how close two detections of the same type on the same
// device must be to merge into one alert.
const DefaultCoalesceWindow = 5 * time.Minute

// AlertCandidate is a detection about to be stored as an alert.
type AlertCandidate struct {
	DetectedAt time.Time
	Details    map[string]any
	Type       AlertType
	Subtype    string
	AreaID     string
	Confidence float64
	DeviceID   uint
}

// UpsertAlert stores a candidate alert. If an unresolved alert of the same device
// and type was detected within window of the candidate, it is updated in place
// (latest confidence, latest detection time, occurrence count) and created is false.
// Callers that may race on the same device and type must serialize the call.
func (s *Store) UpsertAlert(ctx context.Context, c AlertCandidate, window time.Duration) (*Alert, bool, error) {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}

	details, err := json.Marshal(c.Details)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode alert details: %w", err)
	}

	start := time.Now()
	detectedAt := c.DetectedAt.UTC()

	var existing Alert
	err = s.db.WithContext(ctx).
		Where("device_id = ? AND type = ? AND status <> ?", c.DeviceID, c.Type, AlertResolved).
		Where("detected_at >= ? AND detected_at <= ?", detectedAt.Add(-window), detectedAt.Add(window)).
		Order("detected_at DESC").
		First(&existing).Error
	s.observe("select", "alerts", start, ignoreNotFound(err))

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		alert := Alert{
			PublicID:        uuid.NewString(),
			DeviceID:        c.DeviceID,
			AreaID:          c.AreaID,
			Type:            c.Type,
			Subtype:         c.Subtype,
			Confidence:      c.Confidence,
			FirstDetectedAt: detectedAt,
			DetectedAt:      detectedAt,
			Occurrences:     1,
			Status:          AlertNew,
			Details:         details,
		}
		start = time.Now()
		err := s.db.WithContext(ctx).Create(&alert).Error
		s.observe("insert", "alerts", start, err)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create alert: %w", err)
		}
		return &alert, true, nil
	case err != nil:
		return nil, false, err
	}

	updates := map[string]any{
		"confidence":  c.Confidence,
		"occurrences": gorm.Expr("occurrences + 1"),
		"details":     details,
	}
	if detectedAt.After(existing.DetectedAt) {
		updates["detected_at"] = detectedAt
	}
	if detectedAt.Before(existing.FirstDetectedAt) {
		updates["first_detected_at"] = detectedAt
	}
	if c.Subtype != "" {
		updates["subtype"] = c.Subtype
	}

	start = time.Now()
	err = s.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", existing.ID).Updates(updates).Error
	s.observe("update", "alerts", start, err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update alert: %w", err)
	}

	if err := s.db.WithContext(ctx).First(&existing, existing.ID).Error; err != nil {
		return nil, false, err
	}

	return &existing, false, nil
}

// Acknowledge moves a new alert to acknowledged.
func (s *Store) Acknowledge(ctx context.Context, publicID, by string) (*Alert, error) {
	return s.transition(ctx, publicID, []AlertStatus{AlertNew}, map[string]any{
		"status":          AlertAcknowledged,
		"acknowledged_by": by,
		"acknowledged_at": s.now().UTC(),
	})
}

// Resolve closes a new or acknowledged alert.
func (s *Store) Resolve(ctx context.Context, publicID, by, notes string) (*Alert, error) {
	return s.transition(ctx, publicID, []AlertStatus{AlertNew, AlertAcknowledged}, map[string]any{
		"status":           AlertResolved,
		"resolved_by":      by,
		"resolved_at":      s.now().UTC(),
		"resolution_notes": notes,
	})
}

// Reopen returns a resolved alert to new and clears its resolution metadata.
func (s *Store) Reopen(ctx context.Context, publicID string) (*Alert, error) {
	return s.transition(ctx, publicID, []AlertStatus{AlertResolved}, map[string]any{
		"status":           AlertNew,
		"resolved_by":      "",
		"resolved_at":      nil,
		"resolution_notes": "",
		"acknowledged_by":  "",
		"acknowledged_at":  nil,
	})
}

func (s *Store) transition(ctx context.Context, publicID string, from []AlertStatus, updates map[string]any) (*Alert, error) {
	start := time.Now()
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("public_id = ? AND status IN ?", publicID, from).
		Updates(updates)
	s.observe("update", "alerts", start, res.Error)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update alert: %w", res.Error)
	}

	alert, err := s.Alert(ctx, publicID)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: alert is %s", ErrInvalidTransition, alert.Status)
	}

	return alert, nil
}

// Alert loads an alert by its public identifier.
func (s *Store) Alert(ctx context.Context, publicID string) (*Alert, error) {
	var alert Alert
	if err := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&alert).Error; err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}

// AlertFilter narrows an alert query.
type AlertFilter struct {
	TimeRange
	AreaID   string
	Type     AlertType
	Status   AlertStatus
	DeviceID uint
}

// Alerts returns alerts matching f, newest first.
func (s *Store) Alerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	q := s.db.WithContext(ctx)
	if f.DeviceID != 0 {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.AreaID != "" {
		q = q.Where("area_id = ?", f.AreaID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	q = f.apply(q, "detected_at").Order("detected_at DESC")

	var alerts []Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r TimeRange) apply(q *gorm.DB, column string) *gorm.DB {
	if !r.From.IsZero() {
		q = q.Where(column+" >= ?", r.From.UTC())
	}
	if !r.To.IsZero() {
		q = q.Where(column+" <= ?", r.To.UTC())
	}
	if r.Limit > 0 {
		q = q.Limit(r.Limit)
	}
	return q
}

func ignoreNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
