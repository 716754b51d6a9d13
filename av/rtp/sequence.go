package rtp

const (
	sequenceCycle = 1 << 16
	halfCycle     = sequenceCycle / 2
)

// SequenceTracker resolves 16-bit wrapping sequence numbers into a logical
// sequence that keeps counting across wraps.
//
// The zero value is ready to use; the first resolved wire value seeds it.
type SequenceTracker struct {
	running int64
	seeded  bool
}

// Resolve returns the logical sequence for a wire sequence number and makes
// it the tracker's running value.
//
// The wire value is placed in whichever wrap cycle is nearest to the running
// value. A forward distance of more than 32768 is read as a late packet from
// the previous cycle.
func (t *SequenceTracker) Resolve(wire uint16) int64 {
	if !t.seeded {
		t.running = int64(wire)
		t.seeded = true
		return t.running
	}

	diff := int64(wire) - floorMod(t.running, sequenceCycle)
	switch {
	case diff < -halfCycle:
		diff += sequenceCycle
	case diff > halfCycle:
		diff -= sequenceCycle
	}

	t.running += diff
	return t.running
}

// Last returns the running logical sequence and whether any packet has been
// resolved yet.
func (t *SequenceTracker) Last() (int64, bool) {
	return t.running, t.seeded
}

// Reset forgets the running value so the next packet reseeds the tracker.
func (t *SequenceTracker) Reset() {
	t.running = 0
	t.seeded = false
}

func floorMod(x, m int64) int64 {
	r := x % m
	if r < 0 {
		r += m
	}
	return r
}
