package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSinkStopped indicates a buffer was scheduled on a sink that is not
// running.
var ErrSinkStopped = errors.New("audio sink is not running")

// Sink is the audio output engine. Implementations are safe for concurrent
// use.
type Sink interface {
	// Start begins rendering.
	Start() error
	// Stop ends rendering and drops anything not yet played.
	Stop()
	// ScheduleBuffer queues pcm to be played at the given time.
	ScheduleBuffer(pcm PCM, at AudioTime) error
	// CurrentRenderTime returns the current output position. ok is false
	// until the sink is rendering.
	CurrentRenderTime() (at AudioTime, ok bool)
	// OutputLatency is the delay between a render time and audible output.
	OutputLatency() time.Duration
}

// TimeProvider abstracts time for deterministic sink tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// ClockSink is a Sink driven by the host clock rather than an audio device.
// Its render position advances in real time from Start. Scheduled buffers
// are counted and, when a writer is configured, written out as raw
// little-endian s16 in schedule order.
type ClockSink struct {
	mu        sync.Mutex
	format    Format
	latency   time.Duration
	out       io.Writer
	clock     TimeProvider
	startedAt time.Time
	running   bool
	scheduled uint64
	lastAt    AudioTime
}

// NewClockSink creates a clock-driven sink. out may be nil to discard audio.
func NewClockSink(format Format, latency time.Duration, out io.Writer) *ClockSink {
	return &ClockSink{
		format:  format,
		latency: latency,
		out:     out,
		clock:   realTimeProvider{},
	}
}

// SetTimeProvider replaces the clock. Intended for tests.
func (s *ClockSink) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = tp
}

// Start implements Sink.
func (s *ClockSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.startedAt = s.clock.Now()

	logrus.WithFields(logrus.Fields{
		"function":    "ClockSink.Start",
		"sample_rate": s.format.SampleRate,
		"latency":     s.latency.String(),
	}).Info("Audio sink started")
	return nil
}

// Stop implements Sink.
func (s *ClockSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	logrus.WithFields(logrus.Fields{
		"function":  "ClockSink.Stop",
		"scheduled": s.scheduled,
	}).Info("Audio sink stopped")
}

// Running reports whether the sink is rendering.
func (s *ClockSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleBuffer implements Sink.
func (s *ClockSink) ScheduleBuffer(pcm PCM, at AudioTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSinkStopped
	}
	s.scheduled++
	s.lastAt = at

	if s.out != nil {
		if _, err := s.out.Write(pcm.Bytes()); err != nil {
			return fmt.Errorf("write scheduled audio: %w", err)
		}
	}
	return nil
}

// CurrentRenderTime implements Sink.
func (s *ClockSink) CurrentRenderTime() (AudioTime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return AudioTime{}, false
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.startedAt)
	return AudioTime{
		HostTime:   now,
		SampleTime: int64(elapsed) * int64(s.format.SampleRate) / int64(time.Second),
		SampleRate: s.format.SampleRate,
	}, true
}

// OutputLatency implements Sink.
func (s *ClockSink) OutputLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// SetOutputLatency changes the reported latency, as a route change would.
func (s *ClockSink) SetOutputLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Scheduled returns how many buffers were accepted and the time of the
// most recent one.
func (s *ClockSink) Scheduled() (uint64, AudioTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled, s.lastAt
}
