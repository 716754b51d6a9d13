package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize bounds a single RTP read; device packets carry one 10ms
// Opus frame and are far smaller.
const maxDatagramSize = 1500

// PacketHandler receives every packet that passes warm-up.
type PacketHandler func(Packet)

// Observer is notified of receive-path events for metrics.
type Observer interface {
	ObservePacket(p Packet)
	ObserveMalformed(err error)
}

// ReceiverConfig configures packet validation and warm-up.
type ReceiverConfig struct {
	// PayloadType is the expected codec payload type.
	PayloadType uint8
	// SSRC is the expected synchronization source.
	SSRC uint32
	// WarmupPackets is the number of leading packets to discard; the first
	// packets of a stream are often not a usable sync reference.
	WarmupPackets int
	// TimeProvider stamps receipt times. Nil means the system clock.
	TimeProvider TimeProvider
	// Observer is optional.
	Observer Observer
}

// ReceiverStats is a snapshot of receive counters.
type ReceiverStats struct {
	PacketsReceived  uint64
	PacketsDelivered uint64
	PacketsMalformed uint64
	WarmupDropped    uint64
	Unexpected       uint64
}

// Receiver owns the UDP listener for the RTP stream.
type Receiver struct {
	conn    net.PacketConn
	cfg     ReceiverConfig
	handler PacketHandler
	tp      TimeProvider

	closeOnce sync.Once
	closeErr  error

	received   atomic.Uint64
	delivered  atomic.Uint64
	malformed  atomic.Uint64
	warmup     atomic.Uint64
	unexpected atomic.Uint64
}

// ListenReceiver binds a UDP listener on addr and returns a Receiver for it.
//
// Parameters:
//   - addr: Local listen address, e.g. ":6970"
//   - cfg: Validation and warm-up configuration
//   - handler: Called for each accepted packet from the Run goroutine
//
// Returns:
//   - *Receiver: The receiver owning the socket
//   - error: Any error binding the socket
func ListenReceiver(addr string, cfg ReceiverConfig, handler PacketHandler) (*Receiver, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListenReceiver",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to bind RTP listener")
		return nil, fmt.Errorf("listen RTP on %s: %w", addr, err)
	}
	return NewReceiver(conn, cfg, handler)
}

// NewReceiver wraps an already bound packet connection. The Receiver takes
// ownership of conn and closes it when Run exits.
func NewReceiver(conn net.PacketConn, cfg ReceiverConfig, handler PacketHandler) (*Receiver, error) {
	if conn == nil {
		return nil, errors.New("packet connection cannot be nil")
	}
	if handler == nil {
		conn.Close()
		return nil, errors.New("packet handler cannot be nil")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewReceiver",
		"local_addr":   conn.LocalAddr().String(),
		"payload_type": cfg.PayloadType,
		"warmup":       cfg.WarmupPackets,
	}).Info("RTP receiver ready")

	return &Receiver{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		tp:      getTimeProvider(cfg.TimeProvider),
	}, nil
}

// LocalAddr returns the bound listen address.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Run reads datagrams until ctx is cancelled or the socket fails.
//
// Cancellation closes the socket to interrupt the blocked read; Run then
// returns ctx.Err().
func (r *Receiver) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	defer r.Close()

	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Receiver.Run",
				}).Info("RTP receive loop stopped")
				return ctx.Err()
			}
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Run",
				"error":    err.Error(),
			}).Error("RTP read failed")
			return fmt.Errorf("read RTP: %w", err)
		}
		r.handleDatagram(buf[:n], from)
	}
}

func (r *Receiver) handleDatagram(data []byte, from net.Addr) {
	r.received.Add(1)

	pkt, err := ParsePacket(data, r.tp.Now())
	if err != nil {
		r.malformed.Add(1)
		if r.cfg.Observer != nil {
			r.cfg.Observer.ObserveMalformed(err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	if r.warmup.Load() < uint64(r.cfg.WarmupPackets) {
		r.warmup.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"sequence": pkt.SequenceNumber,
		}).Debug("Discarding warm-up packet")
		return
	}

	if pkt.PayloadType != r.cfg.PayloadType || pkt.SSRC != r.cfg.SSRC {
		r.unexpected.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":              "Receiver.handleDatagram",
			"payload_type":          pkt.PayloadType,
			"expected_payload_type": r.cfg.PayloadType,
			"ssrc":                  pkt.SSRC,
			"expected_ssrc":         r.cfg.SSRC,
		}).Warn("Unexpected payload type or SSRC")
	}

	if len(pkt.Payload) == 0 {
		r.malformed.Add(1)
		if r.cfg.Observer != nil {
			r.cfg.Observer.ObserveMalformed(&MalformedPacketError{Size: len(data), Reason: "empty payload"})
		}
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleDatagram",
			"sequence": pkt.SequenceNumber,
		}).Debug("Dropping packet with empty payload")
		return
	}

	r.delivered.Add(1)
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObservePacket(pkt)
	}
	r.handler(pkt)
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		PacketsReceived:  r.received.Load(),
		PacketsDelivered: r.delivered.Load(),
		PacketsMalformed: r.malformed.Load(),
		WarmupDropped:    r.warmup.Load(),
		Unexpected:       r.unexpected.Load(),
	}
}

// Close closes the socket. It is safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}
