package av

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/opd-ai/ecprelay/av/rtp"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ecprelay"

// Metrics counts relay stream events. Every counter is exported to
// Prometheus and mirrored atomically for Snapshot.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	packetsReceived   atomic.Uint64
	packetsMalformed  atomic.Uint64
	packetsLate       atomic.Uint64
	framesDecoded     atomic.Uint64
	framesConcealed   atomic.Uint64
	codecErrors       atomic.Uint64
	framesScheduled   atomic.Uint64
	handshakeAttempts atomic.Uint64
	bufferDepth       atomic.Int64

	promPackets    *prometheus.CounterVec
	promFrames     *prometheus.CounterVec
	promCodecErr   prometheus.Counter
	promScheduled  prometheus.Counter
	promHandshake  prometheus.Counter
	promBuffer     prometheus.Gauge
	promRelayState prometheus.Gauge
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	PacketsReceived   uint64
	PacketsMalformed  uint64
	PacketsLate       uint64
	FramesDecoded     uint64
	FramesConcealed   uint64
	CodecErrors       uint64
	FramesScheduled   uint64
	HandshakeAttempts uint64
	BufferDepth       int64
}

// NewMetrics creates the relay metrics and registers them on reg. A nil
// registerer skips registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		promPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "RTP packets by outcome.",
		}, []string{"outcome"}),
		promFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "playout",
			Name:      "frames_total",
			Help:      "Playout frames by source.",
		}, []string{"source"}),
		promCodecErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "playout",
			Name:      "codec_errors_total",
			Help:      "Payloads the decoder rejected.",
		}),
		promScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "playout",
			Name:      "frames_scheduled_total",
			Help:      "Frames handed to the output sink.",
		}),
		promHandshake: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "handshake_attempts_total",
			Help:      "Handshake requests sent to the device.",
		}),
		promBuffer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "playout",
			Name:      "jitter_buffer_depth",
			Help:      "Packets waiting in the jitter buffer.",
		}),
		promRelayState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "state",
			Help:      "Relay state: 0 idle, 1 connecting, 2 active, 3 error.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.promPackets, m.promFrames, m.promCodecErr, m.promScheduled,
		m.promHandshake, m.promBuffer, m.promRelayState,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("relay metrics already registered: %w", err)
			}
			return nil, fmt.Errorf("register relay metrics: %w", err)
		}
	}
	return m, nil
}

// ObservePacket implements rtp.Observer.
func (m *Metrics) ObservePacket(rtp.Packet) {
	if m == nil {
		return
	}
	m.packetsReceived.Add(1)
	m.promPackets.WithLabelValues("received").Inc()
}

// ObserveMalformed implements rtp.Observer.
func (m *Metrics) ObserveMalformed(error) {
	if m == nil {
		return
	}
	m.packetsMalformed.Add(1)
	m.promPackets.WithLabelValues("malformed").Inc()
}

// ObserveLate counts packets discarded for arriving after their slot.
func (m *Metrics) ObserveLate(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packetsLate.Add(uint64(n))
	m.promPackets.WithLabelValues("late").Add(float64(n))
}

// ObserveDecoded counts a frame decoded from a received packet.
func (m *Metrics) ObserveDecoded() {
	if m == nil {
		return
	}
	m.framesDecoded.Add(1)
	m.promFrames.WithLabelValues("decoded").Inc()
}

// ObserveConcealed counts a frame synthesized for a missing packet.
func (m *Metrics) ObserveConcealed() {
	if m == nil {
		return
	}
	m.framesConcealed.Add(1)
	m.promFrames.WithLabelValues("concealed").Inc()
}

// ObserveCodecError counts a payload the decoder rejected.
func (m *Metrics) ObserveCodecError() {
	if m == nil {
		return
	}
	m.codecErrors.Add(1)
	m.promCodecErr.Inc()
}

// ObserveScheduled counts a frame accepted by the sink.
func (m *Metrics) ObserveScheduled() {
	if m == nil {
		return
	}
	m.framesScheduled.Add(1)
	m.promScheduled.Inc()
}

// ObserveHandshakeAttempts adds n handshake requests.
func (m *Metrics) ObserveHandshakeAttempts(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.handshakeAttempts.Add(n)
	m.promHandshake.Add(float64(n))
}

// SetBufferDepth records the jitter buffer occupancy.
func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Store(int64(n))
	m.promBuffer.Set(float64(n))
}

// SetRelayState records the relay state code.
func (m *Metrics) SetRelayState(code int) {
	if m == nil {
		return
	}
	m.promRelayState.Set(float64(code))
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		PacketsReceived:   m.packetsReceived.Load(),
		PacketsMalformed:  m.packetsMalformed.Load(),
		PacketsLate:       m.packetsLate.Load(),
		FramesDecoded:     m.framesDecoded.Load(),
		FramesConcealed:   m.framesConcealed.Load(),
		CodecErrors:       m.codecErrors.Load(),
		FramesScheduled:   m.framesScheduled.Load(),
		HandshakeAttempts: m.handshakeAttempts.Load(),
		BufferDepth:       m.bufferDepth.Load(),
	}
}
