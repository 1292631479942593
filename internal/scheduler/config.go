// Package scheduler runs the sync engine in the background on a fixed interval.
package scheduler

import (
	"fmt"
	"time"
)

// Interval is a named background sync cadence.
type Interval string

const (
	IntervalMinimum Interval = "minimum"
	IntervalHourly  Interval = "hourly"
	IntervalDaily   Interval = "daily"
)

// SettingKey is the store setting that persists the chosen interval.
const SettingKey = "scheduler.interval"

// ParseInterval validates s.
func ParseInterval(s string) (Interval, error) {
	switch iv := Interval(s); iv {
	case IntervalMinimum, IntervalHourly, IntervalDaily:
		return iv, nil
	}
	return "", fmt.Errorf("invalid interval %q, must be: minimum, hourly, or daily", s)
}

// Duration returns the tick period. Minimum is the shortest period the
// host allows background work to run at.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case IntervalHourly:
		return time.Hour
	case IntervalDaily:
		return 24 * time.Hour
	}
	return 15 * time.Minute
}
