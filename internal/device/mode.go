// Package device runs a Guardian field unit: registration, the operating mode state
// machine, the three monitoring loops and the local alert confirmation.
package device

import (
	"errors"
	"fmt"
	"time"

	"foresta.dev/guardian/internal/protocol"
)

// Mode is the operating mode of a device.
type Mode string

const (
	ModeUnregistered    Mode = "unregistered"
	ModePending         Mode = "pending"
	ModeMonitoring      Mode = "monitoring"
	ModeLowPower        Mode = "low_power"
	ModeTroubleshooting Mode = "troubleshooting"
	ModeDecommissioned  Mode = "decommissioned"
)

// Active reports whether the device is approved and monitoring in some form.
func (m Mode) Active() bool {
	return m == ModeMonitoring || m == ModeLowPower
}

// Event drives a mode transition.
type Event string

const (
	EventRegistered       Event = "registered"
	EventApproved         Event = "approved"
	EventBatteryLow       Event = "battery_low"
	EventBatteryRecovered Event = "battery_recovered"
	EventTransmitFailure  Event = "transmit_failure"
	EventTroubleshoot     Event = "troubleshoot"
	EventRecovered        Event = "recovered"
	EventCredentialLost   Event = "credential_lost"
	EventDecommissioned   Event = "decommissioned"
)

// ErrInvalidTransition is returned for an event the current mode does not accept.
var ErrInvalidTransition = errors.New("invalid mode transition")

// Transition returns the mode that follows event in mode. Repeated approval or
// battery events in the mode they lead to are no-ops.
func Transition(mode Mode, event Event) (Mode, error) {
	next, ok := transitions[mode][event]
	if !ok {
		return mode, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, mode)
	}
	return next, nil
}

var transitions = map[Mode]map[Event]Mode{
	ModeUnregistered: {
		EventRegistered:     ModePending,
		EventApproved:       ModeMonitoring,
		EventDecommissioned: ModeDecommissioned,
	},
	ModePending: {
		EventRegistered:     ModePending,
		EventApproved:       ModeMonitoring,
		EventCredentialLost: ModeUnregistered,
		EventDecommissioned: ModeDecommissioned,
	},
	ModeMonitoring: {
		EventApproved:         ModeMonitoring,
		EventBatteryLow:       ModeLowPower,
		EventBatteryRecovered: ModeMonitoring,
		EventTransmitFailure:  ModeTroubleshooting,
		EventTroubleshoot:     ModeTroubleshooting,
		EventCredentialLost:   ModeTroubleshooting,
		EventDecommissioned:   ModeDecommissioned,
	},
	ModeLowPower: {
		EventApproved:         ModeLowPower,
		EventBatteryLow:       ModeLowPower,
		EventBatteryRecovered: ModeMonitoring,
		EventTransmitFailure:  ModeTroubleshooting,
		EventTroubleshoot:     ModeTroubleshooting,
		EventCredentialLost:   ModeTroubleshooting,
		EventDecommissioned:   ModeDecommissioned,
	},
	ModeTroubleshooting: {
		EventTransmitFailure: ModeTroubleshooting,
		EventTroubleshoot:    ModeTroubleshooting,
		EventCredentialLost:  ModeTroubleshooting,
		EventRecovered:       ModeMonitoring,
		EventDecommissioned:  ModeDecommissioned,
	},
	ModeDecommissioned: {},
}

const (
	// DefaultApprovalPoll is how often a pending device asks whether it was approved.
	DefaultApprovalPoll = 60 * time.Second
	// DefaultIntervalMultiplier widens the health and periodic intervals in low power.
	DefaultIntervalMultiplier = 4
	// DefaultFailureThreshold is the run of failed sends that starts troubleshooting.
	DefaultFailureThreshold = 3
	// DefaultAlertCooldown suppresses repeat local alerts of one family.
	DefaultAlertCooldown = 5 * time.Minute
)

// Profile is the timer configuration of a mode. A zero interval means the loop is paused.
type Profile struct {
	Mode         Mode
	HealthCheck  time.Duration
	PeriodicData time.Duration
	Sample       time.Duration
	ApprovalPoll time.Duration
}

// ProfileFor derives the timer configuration of mode from an operating config snapshot.
// cfg may be nil before approval.
func ProfileFor(mode Mode, cfg *protocol.OperatingConfig) Profile {
	p := Profile{Mode: mode, ApprovalPoll: DefaultApprovalPoll}
	if cfg != nil && cfg.Intervals.ApprovalPoll > 0 {
		p.ApprovalPoll = cfg.Intervals.ApprovalPoll.Std()
	}
	if cfg == nil {
		return p
	}

	health := cfg.Intervals.HealthCheck.Std()
	periodic := cfg.Intervals.PeriodicData.Std()
	sample := cfg.Intervals.Sample.Std()

	switch mode {
	case ModeMonitoring:
		p.HealthCheck, p.PeriodicData, p.Sample = health, periodic, sample
	case ModeLowPower:
		mult := cfg.LowPower.IntervalMultiplier
		if mult < 1 {
			mult = DefaultIntervalMultiplier
		}
		p.HealthCheck = health * time.Duration(mult)
		p.PeriodicData = periodic * time.Duration(mult)
		p.Sample = sample * 2
	case ModeTroubleshooting:
		// Sampling continues so threats are still queued; diagnostics run on the health interval.
		p.HealthCheck, p.Sample = health, sample
	}
	return p
}
