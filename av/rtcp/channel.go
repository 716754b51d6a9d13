package rtcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDelayMs is the playback delay requested from the device.
	DefaultDelayMs uint32 = 1200
	// DefaultClientVersion is announced in CVER.
	DefaultClientVersion uint32 = 2
	// DefaultRetryInterval bounds each handshake wait.
	DefaultRetryInterval = time.Second
	// DefaultHeartbeatInterval spaces keep-alive receiver reports.
	DefaultHeartbeatInterval = time.Second

	incomingQueueSize = 32
	maxControlPacket  = 1500
)

var (
	// ErrHandshakeTimeout is logged for each unanswered handshake request.
	// It is never returned: the handshake retries until cancelled.
	ErrHandshakeTimeout = errors.New("handshake response timed out")

	// ErrChannelClosed indicates the control socket is gone.
	ErrChannelClosed = errors.New("control channel closed")

	// ErrInvalidAddress indicates an unusable local or remote address.
	ErrInvalidAddress = errors.New("invalid control channel address")
)

// ChannelConfig configures a control channel.
type ChannelConfig struct {
	// LocalAddr is the local bind address, e.g. ":6971".
	LocalAddr string
	// RemoteAddr is the device control endpoint, "host:port".
	RemoteAddr string
	// DelayMs is the delay requested in VDLY.
	DelayMs uint32
	// ClientVersion is announced in CVER.
	ClientVersion uint32
	// RetryInterval bounds each handshake wait before resending.
	RetryInterval time.Duration
	// HeartbeatInterval spaces receiver reports after the handshake.
	HeartbeatInterval time.Duration
	// OnStateChange is called on every handshake transition. Optional.
	OnStateChange func(HandshakeState)
}

func (c *ChannelConfig) applyDefaults() {
	if c.DelayMs == 0 {
		c.DelayMs = DefaultDelayMs
	}
	if c.ClientVersion == 0 {
		c.ClientVersion = DefaultClientVersion
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Channel is the UDP control channel to the device.
type Channel struct {
	conn     net.PacketConn
	remote   net.Addr
	cfg      ChannelConfig
	incoming chan Packet

	mu    sync.RWMutex
	state HandshakeState

	attempts   atomic.Uint64
	reportsOut atomic.Uint64
	peerByes   atomic.Uint64
	lastSR     atomic.Pointer[rtcp.SenderReport]

	closeOnce sync.Once
	closeErr  error
}

// ResolveRemote validates and resolves a "host:port" control endpoint.
func ResolveRemote(hostPort string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, hostPort, err)
	}
	if host == "" || port == "" || port == "0" {
		return nil, fmt.Errorf("%w: %q needs a host and a non-zero port", ErrInvalidAddress, hostPort)
	}
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, hostPort, err)
	}
	return addr, nil
}

// DialChannel binds the local control port and targets the device.
//
// Parameters:
//   - cfg: Channel configuration; zero durations and values take defaults
//
// Returns:
//   - *Channel: The channel owning the bound socket
//   - error: ErrInvalidAddress for a bad remote, or a bind failure
func DialChannel(cfg ChannelConfig) (*Channel, error) {
	remote, err := ResolveRemote(cfg.RemoteAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DialChannel",
			"remote":   cfg.RemoteAddr,
			"error":    err.Error(),
		}).Error("Invalid RTCP remote address")
		return nil, err
	}

	conn, err := net.ListenPacket("udp", cfg.LocalAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DialChannel",
			"local":    cfg.LocalAddr,
			"error":    err.Error(),
		}).Error("Failed to bind RTCP socket")
		return nil, fmt.Errorf("listen RTCP on %s: %w", cfg.LocalAddr, err)
	}

	return NewChannel(conn, remote, cfg)
}

// NewChannel wraps a bound socket. The channel takes ownership of conn.
func NewChannel(conn net.PacketConn, remote net.Addr, cfg ChannelConfig) (*Channel, error) {
	if conn == nil {
		return nil, errors.New("packet connection cannot be nil")
	}
	if remote == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: remote address cannot be nil", ErrInvalidAddress)
	}
	cfg.applyDefaults()

	logrus.WithFields(logrus.Fields{
		"function":   "NewChannel",
		"local_addr": conn.LocalAddr().String(),
		"remote":     remote.String(),
		"delay_ms":   cfg.DelayMs,
	}).Info("RTCP channel ready")

	return &Channel{
		conn:     conn,
		remote:   remote,
		cfg:      cfg,
		incoming: make(chan Packet, incomingQueueSize),
	}, nil
}

// LocalAddr returns the bound control address.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// State returns the current handshake state.
func (c *Channel) State() HandshakeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns how many handshake requests have been sent.
func (c *Channel) Attempts() uint64 {
	return c.attempts.Load()
}

// ReportsSent returns how many keep-alive reports have been sent.
func (c *Channel) ReportsSent() uint64 {
	return c.reportsOut.Load()
}

// PeerByes returns how many BYE packets the device has sent.
func (c *Channel) PeerByes() uint64 {
	return c.peerByes.Load()
}

// LastSenderReport returns the most recent sender report from the device,
// or nil if none arrived.
func (c *Channel) LastSenderReport() *rtcp.SenderReport {
	return c.lastSR.Load()
}

func (c *Channel) setState(s HandshakeState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev == s {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Channel.setState",
		"from":     prev.String(),
		"to":       s.String(),
	}).Info("RTCP handshake state changed")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Send encodes and transmits one packet to the device.
func (c *Channel) Send(p Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(raw, c.remote); err != nil {
		return fmt.Errorf("send %s: %w", p, err)
	}
	return nil
}

// Run reads control packets until ctx is cancelled or the socket fails.
// On exit it sends BYE and closes the socket.
func (c *Channel) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	defer close(c.incoming)
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, maxControlPacket)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Channel.Run",
				}).Info("RTCP receive loop stopped")
				return ctx.Err()
			}
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Run",
				"error":    err.Error(),
			}).Error("RTCP read failed")
			return fmt.Errorf("read RTCP: %w", err)
		}

		packets, err := Unmarshal(buf[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Run",
				"from":     from.String(),
				"size":     n,
				"error":    err.Error(),
			}).Debug("Dropping malformed control packet")
		}
		for _, p := range packets {
			c.dispatch(p)
		}
	}
}

func (c *Channel) dispatch(p Packet) {
	switch p.Type {
	case TypeBye:
		c.handleBye(p)
		return
	case TypeSenderReport:
		c.handleSenderReport(p)
		return
	}

	if c.State() == HandshakeComplete {
		logrus.WithFields(logrus.Fields{
			"function": "Channel.dispatch",
			"packet":   p.String(),
		}).Trace("Control packet after handshake")
		return
	}
	select {
	case c.incoming <- p:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Channel.dispatch",
			"packet":   p.String(),
		}).Debug("Control queue full, dropping packet")
	}
}

func (c *Channel) handleBye(p Packet) {
	bye, err := p.Goodbye()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Channel.handleBye",
			"error":    err.Error(),
		}).Debug("Dropping malformed BYE")
		return
	}
	c.peerByes.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Channel.handleBye",
		"sources":  bye.Sources,
		"reason":   bye.Reason,
	}).Info("Device sent BYE")
}

func (c *Channel) handleSenderReport(p Packet) {
	sr, err := p.SenderReport()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Channel.handleSenderReport",
			"error":    err.Error(),
		}).Debug("Dropping malformed sender report")
		return
	}
	c.lastSR.Store(sr)
	logrus.WithFields(logrus.Fields{
		"function":     "Channel.handleSenderReport",
		"ssrc":         sr.SSRC,
		"ntp_time":     sr.NTPTime,
		"rtp_time":     sr.RTPTime,
		"packet_count": sr.PacketCount,
	}).Debug("Sender report received")
}

// Handshake runs the VDLY/XDLY then CVER/NCLI exchange. It returns nil once
// the device has acknowledged both, or the context error if cancelled first.
// Unanswered requests are resent every RetryInterval indefinitely.
func (c *Channel) Handshake(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Channel.Handshake",
		"remote":   c.remote.String(),
	}).Info("Performing RTCP handshake")

	expectedDelay := c.cfg.DelayMs * 1000
	c.setState(HandshakeAwaitingDelayAck)
	err := c.exchange(ctx, NewVDLY(c.cfg.DelayMs), func(p Packet) bool {
		delay, ok := p.DelayMicroseconds()
		if !ok || !p.IsApp(NameXDLY) {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Handshake",
				"packet":   p.String(),
			}).Warn("Unexpected packet while waiting for XDLY")
			return false
		}
		if delay != expectedDelay {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Handshake",
				"expected": expectedDelay,
				"received": delay,
			}).Warn("XDLY delay mismatch")
			return false
		}
		return true
	})
	if err != nil {
		c.endHandshake(err)
		return err
	}

	c.setState(HandshakeAwaitingClientAck)
	err = c.exchange(ctx, NewCVER(c.cfg.ClientVersion), func(p Packet) bool {
		if !p.IsApp(NameNCLI) {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Handshake",
				"packet":   p.String(),
			}).Warn("Unexpected packet while waiting for NCLI")
			return false
		}
		return true
	})
	if err != nil {
		c.endHandshake(err)
		return err
	}

	c.setState(HandshakeComplete)
	logrus.WithFields(logrus.Fields{
		"function": "Channel.Handshake",
		"attempts": c.attempts.Load(),
	}).Info("RTCP handshake complete")
	return nil
}

// endHandshake records why the handshake stopped. A cancelled context is a
// caller's stop, not a failure.
func (c *Channel) endHandshake(err error) {
	if errors.Is(err, context.Canceled) {
		c.setState(HandshakeCancelled)
		return
	}
	c.setState(HandshakeFailed)
}

// exchange sends request until accept approves a reply.
func (c *Channel) exchange(ctx context.Context, request Packet, accept func(Packet) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.attempts.Add(1)
		sendErr := c.Send(request)
		if sendErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.exchange",
				"request":  request.String(),
				"error":    sendErr.Error(),
			}).Warn("Failed to send handshake request")
		}

		err := c.await(ctx, accept, sendErr != nil)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrHandshakeTimeout):
			logrus.WithFields(logrus.Fields{
				"function": "Channel.exchange",
				"request":  request.String(),
				"timeout":  c.cfg.RetryInterval.String(),
			}).Warn("Handshake request unanswered, retrying")
		default:
			return err
		}
	}
}

// await waits one retry interval for an accepted packet. When skipReplies is
// set the request never left, so it only waits out the interval.
func (c *Channel) await(ctx context.Context, accept func(Packet) bool, skipReplies bool) error {
	timer := time.NewTimer(c.cfg.RetryInterval)
	defer timer.Stop()

	incoming := c.incoming
	if skipReplies {
		incoming = nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrHandshakeTimeout
		case p, ok := <-incoming:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrChannelClosed
			}
			if accept(p) {
				return nil
			}
		}
	}
}

// Heartbeat sends an empty receiver report immediately and then every
// HeartbeatInterval until ctx is cancelled. Send failures are logged and do
// not stop the loop.
func (c *Channel) Heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	report := NewReceiverReport()
	for {
		if err := c.Send(report); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Heartbeat",
				"error":    err.Error(),
			}).Warn("Failed to send receiver report")
		} else {
			c.reportsOut.Add(1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close sends a best-effort BYE and releases the socket. Safe to call more
// than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		if err := c.Send(NewBye()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.Close",
				"error":    err.Error(),
			}).Debug("BYE not sent")
		}
		c.closeErr = c.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Channel.Close",
			"state":    c.State().String(),
		}).Info("RTCP channel closed")
	})
	return c.closeErr
}
