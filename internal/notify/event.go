// Package notify carries the two collaborator contracts of the ingestion pipeline:
// area ownership lookup and the fire-and-forget notification fan-out.
package notify

import (
	"context"
	"time"

	"foresta.dev/guardian/internal/store"
)

// EventKind names what happened to an alert.
type EventKind string

const (
	AlertCreated      EventKind = "alert.created"
	AlertUpdated      EventKind = "alert.updated"
	AlertAcknowledged EventKind = "alert.acknowledged"
	AlertResolved     EventKind = "alert.resolved"
	AlertReopened     EventKind = "alert.reopened"
)

// AlertPayload is the alert snapshot sent to the dashboard sink.
type AlertPayload struct {
	DetectedAt      time.Time `json:"detected_at"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	ID              string    `json:"id"`
	HardwareID      string    `json:"hardware_id"`
	CodeName        string    `json:"code_name"`
	AreaID          string    `json:"area_id"`
	Type            string    `json:"type"`
	Subtype         string    `json:"subtype,omitempty"`
	Status          string    `json:"status"`
	Confidence      float64   `json:"confidence"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Occurrences     int       `json:"occurrences"`
}

// Event is one outbound notification.
type Event struct {
	OccurredAt time.Time    `json:"occurred_at"`
	Kind       EventKind    `json:"event"`
	Alert      AlertPayload `json:"alert"`
}

// NewAlertEvent builds an event from a stored alert and its device.
func NewAlertEvent(kind EventKind, a *store.Alert, d *store.Device, at time.Time) Event {
	payload := AlertPayload{
		ID:              a.PublicID,
		AreaID:          a.AreaID,
		Type:            string(a.Type),
		Subtype:         a.Subtype,
		Status:          string(a.Status),
		Confidence:      a.Confidence,
		DetectedAt:      a.DetectedAt,
		FirstDetectedAt: a.FirstDetectedAt,
		Occurrences:     a.Occurrences,
	}
	if d != nil {
		payload.HardwareID = d.HardwareID
		payload.CodeName = d.DisplayName()
		payload.Latitude = d.Latitude
		payload.Longitude = d.Longitude
	}
	return Event{Kind: kind, OccurredAt: at.UTC(), Alert: payload}
}

// Notifier receives alert events. Notify must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Event) {}

// AreaResolver resolves the area that owns a device at the time of the call.
type AreaResolver interface {
	ResolveArea(ctx context.Context, d *store.Device) (string, error)
}

// DeviceAreaResolver reads the area assigned to the device at approval.
type DeviceAreaResolver struct{}

// ResolveArea implements AreaResolver.
func (DeviceAreaResolver) ResolveArea(_ context.Context, d *store.Device) (string, error) {
	return d.AreaID, nil
}
