// Package alert decides whether device telemetry constitutes a fire, logging,
// low-battery or offline alert. Evaluation is pure; the only state is the current
// threshold snapshot, which is replaced wholesale on reconfiguration.
package alert

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Thresholds is an immutable evaluator configuration snapshot.
type Thresholds struct {
	LoggingLabels        []string      `mapstructure:"logging_labels"`
	SmokeLevel           float64       `mapstructure:"smoke_level"`
	Temperature          float64       `mapstructure:"temperature"`
	Humidity             float64       `mapstructure:"humidity"`
	SmokeSaturation      float64       `mapstructure:"smoke_saturation"`
	ConfirmDelay         time.Duration `mapstructure:"confirm_delay"`
	ConfirmMaxAge        time.Duration `mapstructure:"confirm_max_age"`
	LoggingConfidence    float64       `mapstructure:"logging_confidence"`
	LoggingFraction      float64       `mapstructure:"logging_fraction"`
	LoggingWindow        int           `mapstructure:"logging_window"`
	LoggingHistoryMaxAge time.Duration `mapstructure:"logging_history_max_age"`
	CoalesceWindow       time.Duration `mapstructure:"coalesce_window"`
	LowBattery           float64       `mapstructure:"low_battery"`
	OfflineAfter         time.Duration `mapstructure:"offline_after"`
}

// DefaultThresholds returns the stock evaluator configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LoggingLabels:        []string{"chainsaw", "vehicle", "machinery"},
		SmokeLevel:           600,
		Temperature:          38,
		Humidity:             30,
		SmokeSaturation:      1000,
		ConfirmDelay:         10 * time.Second,
		ConfirmMaxAge:        10 * time.Minute,
		LoggingConfidence:    0.75,
		LoggingFraction:      0.6,
		LoggingWindow:        5,
		LoggingHistoryMaxAge: time.Hour,
		CoalesceWindow:       5 * time.Minute,
		LowBattery:           10,
		OfflineAfter:         2 * time.Hour,
	}
}

// Validate checks the snapshot for values that would make evaluation meaningless.
func (t Thresholds) Validate() error {
	var errs []error
	if t.SmokeSaturation <= t.SmokeLevel {
		errs = append(errs, fmt.Errorf("smoke_saturation %v must exceed smoke_level %v", t.SmokeSaturation, t.SmokeLevel))
	}
	if t.Humidity < 0 || t.Humidity > 100 {
		errs = append(errs, fmt.Errorf("humidity %v out of range [0,100]", t.Humidity))
	}
	if t.LoggingConfidence < 0 || t.LoggingConfidence > 1 {
		errs = append(errs, fmt.Errorf("logging_confidence %v out of range [0,1]", t.LoggingConfidence))
	}
	if t.LoggingFraction <= 0 || t.LoggingFraction > 1 {
		errs = append(errs, fmt.Errorf("logging_fraction %v out of range (0,1]", t.LoggingFraction))
	}
	if t.LoggingWindow < 1 {
		errs = append(errs, errors.New("logging_window must be at least 1"))
	}
	if len(t.LoggingLabels) == 0 {
		errs = append(errs, errors.New("logging_labels cannot be empty"))
	}
	if t.ConfirmDelay < 0 || t.ConfirmMaxAge < t.ConfirmDelay {
		errs = append(errs, errors.New("confirm_max_age must not be below confirm_delay"))
	}
	if t.CoalesceWindow <= 0 {
		errs = append(errs, errors.New("coalesce_window must be positive"))
	}
	if t.OfflineAfter <= 0 {
		errs = append(errs, errors.New("offline_after must be positive"))
	}
	return errors.Join(errs...)
}

func (t Thresholds) clone() Thresholds {
	t.LoggingLabels = slices.Clone(t.LoggingLabels)
	return t
}

func (t Thresholds) isLoggingLabel(label string) bool {
	return slices.Contains(t.LoggingLabels, label)
}
