package av

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/opd-ai/ecprelay/av/audio"
	"github.com/sirupsen/logrus"
)

// DefaultSyncInterval is how often sync is retried until it succeeds.
const DefaultSyncInterval = 200 * time.Millisecond

// LatencySource reports output latency changes, such as an audio route
// change. *Scheduler re-synchronizes on every value received.
type LatencySource interface {
	LatencyChanges() <-chan time.Duration
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Tick is the pacing interval; one frame is pulled per tick. It should
	// equal the packet duration.
	Tick time.Duration
	// SyncInterval is how often sync is attempted while unsynchronized.
	SyncInterval time.Duration
	// RequestedDelay is the playback delay negotiated with the device.
	RequestedDelay time.Duration
	// PlayoutDelay is the local buffering plus base transit time. The
	// difference to RequestedDelay, less the sink's output latency, is added
	// to the render time when synchronizing.
	PlayoutDelay time.Duration
	// Latency is optional.
	Latency LatencySource
	// Metrics is optional.
	Metrics *Metrics
}

// Scheduler paces playout into the output sink: each tick it takes the next
// frame from the Playout and schedules it at the frame's playback time.
type Scheduler struct {
	cfg     SchedulerConfig
	playout *Playout
	sink    audio.Sink
	running atomic.Bool

	// latency holds the last value from LatencySource; latencySet is false
	// until one arrives and the sink's own value is used.
	latency    atomic.Int64
	latencySet atomic.Bool
}

// NewScheduler creates a scheduler feeding sink from playout.
func NewScheduler(cfg SchedulerConfig, playout *Playout, sink audio.Sink) (*Scheduler, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if playout == nil {
		return nil, fmt.Errorf("%w: playout cannot be nil", ErrInvalidPlayoutConfig)
	}
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("%w: tick must be positive", ErrInvalidPlayoutConfig)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Scheduler{cfg: cfg, playout: playout, sink: sink}, nil
}

// AdditionalDelay is the offset from the sink's render time to the
// playback time of the frame at the playout pointer.
func (s *Scheduler) AdditionalDelay() time.Duration {
	return s.cfg.RequestedDelay - s.cfg.PlayoutDelay - s.OutputLatency()
}

// OutputLatency is the most recent latency reported by the LatencySource,
// or the sink's latency before any change was reported.
func (s *Scheduler) OutputLatency() time.Duration {
	if s.latencySet.Load() {
		return time.Duration(s.latency.Load())
	}
	return s.sink.OutputLatency()
}

func (s *Scheduler) setOutputLatency(d time.Duration) {
	s.latency.Store(int64(d))
	s.latencySet.Store(true)
}

// Run starts the sink and paces frames until ctx is cancelled. The sink is
// stopped on every exit path.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerAlreadyRunning
	}
	defer s.running.Store(false)

	if err := s.sink.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Scheduler.Run",
			"error":    err.Error(),
		}).Error("Failed to start audio sink")
		return fmt.Errorf("start audio sink: %w", err)
	}
	defer s.sink.Stop()

	logrus.WithFields(logrus.Fields{
		"function":         "Scheduler.Run",
		"tick":             s.cfg.Tick.String(),
		"additional_delay": s.AdditionalDelay().String(),
	}).Info("Playback scheduler started")

	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	syncTick := time.NewTicker(s.cfg.SyncInterval)
	defer syncTick.Stop()

	var latency <-chan time.Duration
	if s.cfg.Latency != nil {
		latency = s.cfg.Latency.LatencyChanges()
	}

	needSync := !s.sync()
	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "Scheduler.Run",
			}).Info("Playback scheduler stopped")
			return ctx.Err()

		case <-syncTick.C:
			if needSync {
				needSync = !s.sync()
			}

		case d, ok := <-latency:
			if !ok {
				latency = nil
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function":       "Scheduler.Run",
				"output_latency": d.String(),
			}).Info("Output latency changed, resynchronizing")
			s.setOutputLatency(d)
			needSync = !s.sync()

		case <-tick.C:
			s.emit()
		}
	}
}

func (s *Scheduler) sync() bool {
	render, ok := s.sink.CurrentRenderTime()
	if !ok {
		return false
	}
	return s.playout.Sync(render, s.AdditionalDelay())
}

func (s *Scheduler) emit() {
	frame, ok := s.playout.Next()
	if !ok {
		return
	}
	if err := s.sink.ScheduleBuffer(frame.PCM, frame.At); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Scheduler.emit",
			"logical":  frame.Logical,
			"error":    err.Error(),
		}).Warn("Sink rejected buffer")
		return
	}
	s.cfg.Metrics.ObserveScheduled()
}
