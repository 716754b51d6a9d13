package rtp

import (
	"container/heap"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrStaleEntry indicates an entry at or behind the delivered pointer, or a
// duplicate of an entry already queued.
var ErrStaleEntry = errors.New("stale or duplicate jitter buffer entry")

// JitterBuffer orders received packets by logical sequence.
//
// The buffer has no capacity limit. Entries that fall behind the delivered
// pointer are never returned; NextUpTo discards them as it walks forward.
type JitterBuffer struct {
	entries       entryHeap
	queued        map[int64]struct{}
	delivered     int64
	hasDelivered  bool
	lastPopped    int64
	hasLastPopped bool
}

// NewJitterBuffer creates an empty jitter buffer.
func NewJitterBuffer() *JitterBuffer {
	return &JitterBuffer{
		queued: make(map[int64]struct{}),
	}
}

// Insert queues an entry in O(log n).
//
// Entries at or behind the delivered pointer, at or behind the last popped
// entry, or already queued are rejected with ErrStaleEntry.
func (jb *JitterBuffer) Insert(e Entry) error {
	if jb.isStale(e.Logical) {
		logrus.WithFields(logrus.Fields{
			"function":  "JitterBuffer.Insert",
			"logical":   e.Logical,
			"wire":      e.SequenceNumber,
			"delivered": jb.delivered,
		}).Debug("Rejecting stale packet")
		return ErrStaleEntry
	}
	if _, dup := jb.queued[e.Logical]; dup {
		logrus.WithFields(logrus.Fields{
			"function": "JitterBuffer.Insert",
			"logical":  e.Logical,
		}).Debug("Rejecting duplicate packet")
		return ErrStaleEntry
	}

	heap.Push(&jb.entries, e)
	jb.queued[e.Logical] = struct{}{}
	return nil
}

// Peek returns the entry with the smallest logical sequence without removing it.
func (jb *JitterBuffer) Peek() (Entry, bool) {
	if len(jb.entries) == 0 {
		return Entry{}, false
	}
	return jb.entries[0], true
}

// Pop removes and returns the entry with the smallest logical sequence.
func (jb *JitterBuffer) Pop() (Entry, bool) {
	if len(jb.entries) == 0 {
		return Entry{}, false
	}
	e := heap.Pop(&jb.entries).(Entry)
	delete(jb.queued, e.Logical)
	jb.lastPopped = e.Logical
	jb.hasLastPopped = true
	return e, true
}

// NextUpTo pops every entry whose logical sequence is at or below limit and
// returns the highest of them. The others are late and counted in skipped.
func (jb *JitterBuffer) NextUpTo(limit int64) (next Entry, skipped int, ok bool) {
	for {
		head, exists := jb.Peek()
		if !exists || head.Logical > limit {
			return next, skipped, ok
		}
		if ok {
			logrus.WithFields(logrus.Fields{
				"function":  "JitterBuffer.NextUpTo",
				"discarded": next.Logical,
				"next":      head.Logical,
				"limit":     limit,
			}).Warn("Discarding late packet")
			skipped++
		}
		next, _ = jb.Pop()
		ok = true
	}
}

// SetDelivered moves the delivered pointer. It may move backwards when
// playout re-synchronizes; popped entries are still never repeated.
func (jb *JitterBuffer) SetDelivered(logical int64) {
	jb.delivered = logical
	jb.hasDelivered = true
}

// Delivered returns the delivered pointer and whether it has been set.
func (jb *JitterBuffer) Delivered() (int64, bool) {
	return jb.delivered, jb.hasDelivered
}

// Len returns the number of queued entries.
func (jb *JitterBuffer) Len() int {
	return len(jb.entries)
}

// Reset drops all entries and forgets the delivered pointer.
func (jb *JitterBuffer) Reset() {
	jb.entries = nil
	jb.queued = make(map[int64]struct{})
	jb.delivered = 0
	jb.hasDelivered = false
	jb.lastPopped = 0
	jb.hasLastPopped = false
}

func (jb *JitterBuffer) isStale(logical int64) bool {
	if jb.hasDelivered && logical <= jb.delivered {
		return true
	}
	return jb.hasLastPopped && logical <= jb.lastPopped
}

// entryHeap is a min-heap on Logical.
type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].Logical < h[j].Logical }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(Entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = Entry{}
	*h = old[:n-1]
	return e
}
