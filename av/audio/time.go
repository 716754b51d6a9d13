package audio

import "time"

// AudioTime pairs a host clock instant with a position on the output
// device's sample timeline.
type AudioTime struct {
	HostTime   time.Time
	SampleTime int64
	SampleRate int
}

// IsZero reports whether the time was never set.
func (t AudioTime) IsZero() bool {
	return t.HostTime.IsZero() && t.SampleTime == 0
}

// Advance moves both clocks forward by frames samples.
func (t AudioTime) Advance(frames int) AudioTime {
	t.SampleTime += int64(frames)
	if t.SampleRate > 0 {
		t.HostTime = t.HostTime.Add(time.Duration(frames) * time.Second / time.Duration(t.SampleRate))
	}
	return t
}

// Offset moves both clocks forward by d, rounding samples down.
func (t AudioTime) Offset(d time.Duration) AudioTime {
	t.HostTime = t.HostTime.Add(d)
	if t.SampleRate > 0 {
		t.SampleTime += int64(d) * int64(t.SampleRate) / int64(time.Second)
	}
	return t
}
