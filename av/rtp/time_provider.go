package rtp

import "time"

// TimeProvider supplies packet receipt times.
// Tests inject a fake to make receipt timestamps deterministic.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system monotonic clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// getTimeProvider returns tp if non-nil, otherwise the real clock.
func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}
