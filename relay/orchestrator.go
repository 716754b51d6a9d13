package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/ecprelay/av"
	"github.com/opd-ai/ecprelay/av/audio"
	"github.com/opd-ai/ecprelay/av/rtcp"
	"github.com/opd-ai/ecprelay/av/rtp"
	"github.com/opd-ai/ecprelay/ecp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Defaults matching the device firmware.
const (
	DefaultLocalRTPAddr       = ":6970"
	DefaultLocalRTCPAddr      = ":6971"
	DefaultControlPort uint16 = 5150
	DefaultPayloadType uint8  = 97
	DefaultRequestedDelay     = 1200 * time.Millisecond
	DefaultBufferDelay        = 400 * time.Millisecond
	DefaultWarmupPackets      = 4
)

// Config tunes a relay session.
type Config struct {
	LocalRTPAddr  string
	LocalRTCPAddr string
	// DefaultControlPort is used when neither the caller nor the device
	// names the device's RTCP port.
	DefaultControlPort uint16
	PayloadType        uint8
	SSRC               uint32
	Format             audio.Format
	// RequestedDelay is the playback delay asked of the device.
	RequestedDelay time.Duration
	// BufferDelay is the local jitter buffering.
	BufferDelay time.Duration
	// BaseTransit is the assumed network transit time.
	BaseTransit       time.Duration
	WarmupPackets     int
	ClientVersion     uint32
	HandshakeRetry    time.Duration
	HeartbeatInterval time.Duration
	SyncInterval      time.Duration
	// Gain scales output volume; 1 leaves it unchanged.
	Gain float64
}

// DefaultConfig returns the standard relay configuration.
func DefaultConfig() Config {
	return Config{
		LocalRTPAddr:       DefaultLocalRTPAddr,
		LocalRTCPAddr:      DefaultLocalRTCPAddr,
		DefaultControlPort: DefaultControlPort,
		PayloadType:        DefaultPayloadType,
		Format:             audio.DefaultFormat,
		RequestedDelay:     DefaultRequestedDelay,
		BufferDelay:        DefaultBufferDelay,
		WarmupPackets:      DefaultWarmupPackets,
		ClientVersion:      rtcp.DefaultClientVersion,
		HandshakeRetry:     rtcp.DefaultRetryInterval,
		HeartbeatInterval:  rtcp.DefaultHeartbeatInterval,
		SyncInterval:       av.DefaultSyncInterval,
		Gain:               1,
	}
}

// Controller is the device command channel. *ecp.Session implements it.
type Controller interface {
	Connect(ctx context.Context) error
	RequestAudioRelay(ctx context.Context, p ecp.RelayParams) (ecp.RelayParams, error)
	Close() error
}

// Deps are the collaborators of an Orchestrator. Nil fields take defaults.
type Deps struct {
	// NewController opens the device command channel. Defaults to an
	// ecp.Session.
	NewController func(loc ecp.Location) Controller
	// DeviceInfo resolves the device RTCP port. Defaults to the HTTP lookup.
	DeviceInfo ecp.DeviceInfoLookup
	// NewDecoder defaults to the Opus decoder.
	NewDecoder func(f audio.Format) (av.PacketDecoder, error)
	// NewSink defaults to a ClockSink that discards audio.
	NewSink func(f audio.Format) (audio.Sink, error)
	// Latency is optional.
	Latency av.LatencySource
	// Metrics is optional.
	Metrics *av.Metrics
}

// Orchestrator starts relay sessions and supervises their tasks.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu        sync.RWMutex
	listeners []func(Status)
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.NewController == nil {
		deps.NewController = func(loc ecp.Location) Controller {
			return ecp.NewSession(loc, ecp.SessionConfig{})
		}
	}
	if deps.DeviceInfo == nil {
		deps.DeviceInfo = ecp.NewHTTPDeviceInfo()
	}
	if deps.NewDecoder == nil {
		deps.NewDecoder = func(f audio.Format) (av.PacketDecoder, error) {
			d, err := audio.NewDecoder(f)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	if deps.NewSink == nil {
		deps.NewSink = func(f audio.Format) (audio.Sink, error) {
			return audio.NewClockSink(f, 0, nil), nil
		}
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// OnStatusChange registers fn for every status change of every relay.
func (o *Orchestrator) OnStatusChange(fn func(Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) publish(s Status) {
	o.deps.Metrics.SetRelayState(s.code())

	o.mu.RLock()
	listeners := append(([]func(Status))(nil), o.listeners...)
	o.mu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Handle controls one running relay.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	owner  *Orchestrator

	mu     sync.Mutex
	status Status
	err    error
}

// ID is the relay session id used in logs and status.
func (h *Handle) ID() string {
	return h.id
}

// Cancel stops the relay. Wait reports when teardown has finished.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the relay has stopped and released its resources.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the relay stops. It returns nil after Cancel and the
// failure otherwise.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Status returns the current relay status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	s.SessionID = h.id
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Handle.setStatus",
		"session_id": h.id,
		"status":     s.String(),
	}).Info("Relay status changed")

	h.owner.publish(s)
}

// StartRelay begins relaying audio from the device at location. A non-nil
// knownControlPort skips the device-info lookup for the RTCP port.
//
// Parameters:
//   - ctx: Parent context; cancelling it stops the relay
//   - location: Device base URL, e.g. "http://192.168.1.20:8060/"
//   - knownControlPort: Device RTCP port if already known
//
// Returns:
//   - *Handle: Control and status of the running relay
//   - error: ErrInvalidAddress for a bad location or port
func (o *Orchestrator) StartRelay(ctx context.Context, location string, knownControlPort *uint16) (*Handle, error) {
	loc, err := ecp.ParseLocation(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if knownControlPort != nil && *knownControlPort == 0 {
		return nil, fmt.Errorf("%w: control port 0", ErrInvalidAddress)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
		owner:  o,
	}
	h.setStatus(Status{State: StateConnecting})

	go func() {
		defer cancel()
		err := o.run(runCtx, h, loc, knownControlPort)
		final := Classify(err)
		if final.State == StateIdle {
			err = nil
		} else {
			logrus.WithFields(logrus.Fields{
				"function":   "Orchestrator.StartRelay",
				"session_id": h.id,
				"kind":       final.Kind.String(),
				"error":      err.Error(),
			}).Error("Relay failed")
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		h.setStatus(final)
		close(h.done)
	}()

	return h, nil
}

// controlPort picks the device RTCP port: the caller's, then the device's
// advertised port, then the configured default.
func (o *Orchestrator) controlPort(ctx context.Context, loc ecp.Location, known *uint16) uint16 {
	if known != nil {
		return *known
	}

	info, err := o.deps.DeviceInfo.Lookup(ctx, loc)
	switch {
	case err != nil:
		logrus.WithFields(logrus.Fields{
			"function": "Orchestrator.controlPort",
			"device":   loc.String(),
			"error":    err.Error(),
		}).Warn("Device info lookup failed, using default control port")
	case !info.SupportsDatagram:
		logrus.WithFields(logrus.Fields{
			"function":     "Orchestrator.controlPort",
			"device":       loc.String(),
			"destinations": info.Destinations,
		}).Warn("Device does not advertise datagram audio output")
	}
	if err == nil && info.RTCPPort != 0 {
		return info.RTCPPort
	}
	return o.cfg.DefaultControlPort
}

// run wires one relay session and blocks until it ends. Every socket, the
// sink and the command channel are released before it returns.
func (o *Orchestrator) run(ctx context.Context, h *Handle, loc ecp.Location, known *uint16) error {
	port := o.controlPort(ctx, loc, known)
	remote, err := NewEndpoint(loc.Host(), int(port))
	if err != nil {
		return err
	}

	playout, sched, err := o.buildPlayback()
	if err != nil {
		return err
	}

	var observer rtp.Observer
	if o.deps.Metrics != nil {
		observer = o.deps.Metrics
	}
	receiver, err := rtp.ListenReceiver(o.cfg.LocalRTPAddr, rtp.ReceiverConfig{
		PayloadType:   o.cfg.PayloadType,
		SSRC:          o.cfg.SSRC,
		WarmupPackets: o.cfg.WarmupPackets,
		Observer:      observer,
	}, playout.AddPacket)
	if err != nil {
		return err
	}
	defer receiver.Close()

	channel, err := rtcp.DialChannel(rtcp.ChannelConfig{
		LocalAddr:         o.cfg.LocalRTCPAddr,
		RemoteAddr:        remote.String(),
		DelayMs:           uint32(o.cfg.RequestedDelay / time.Millisecond),
		ClientVersion:     o.cfg.ClientVersion,
		RetryInterval:     o.cfg.HandshakeRetry,
		HeartbeatInterval: o.cfg.HeartbeatInterval,
		OnStateChange: func(s rtcp.HandshakeState) {
			logrus.WithFields(logrus.Fields{
				"function":   "Orchestrator.run",
				"session_id": h.id,
				"handshake":  s.String(),
			}).Debug("Handshake state changed")
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		channel.Close()
		o.deps.Metrics.ObserveHandshakeAttempts(channel.Attempts())
	}()

	ctrl := o.deps.NewController(loc)
	defer ctrl.Close()

	if err := ctrl.Connect(ctx); err != nil {
		return err
	}

	rtpAddr, _ := receiver.LocalAddr().(*net.UDPAddr)
	if rtpAddr == nil {
		return errors.New("RTP listener has no UDP address")
	}
	params, err := ctrl.RequestAudioRelay(ctx, ecp.RelayParams{
		RTPPort:     uint16(rtpAddr.Port),
		PayloadType: o.cfg.PayloadType,
		ClockRate:   uint32(o.cfg.Format.SampleRate),
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Orchestrator.run",
		"session_id": h.id,
		"devname":    params.DevName(),
		"rtcp":       remote.String(),
	}).Info("Device relaying audio, starting stream tasks")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.Run(gctx) })
	g.Go(func() error { return channel.Run(gctx) })
	g.Go(func() error {
		if err := channel.Handshake(gctx); err != nil {
			return err
		}
		h.setStatus(Status{State: StateActive})
		return channel.Heartbeat(gctx)
	})
	g.Go(func() error { return sched.Run(gctx) })

	return g.Wait()
}

func (o *Orchestrator) buildPlayback() (*av.Playout, *av.Scheduler, error) {
	decoder, err := o.deps.NewDecoder(o.cfg.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("create decoder: %w", err)
	}

	var gain *audio.Gain
	if o.cfg.Gain != 0 && o.cfg.Gain != 1 {
		if gain, err = audio.NewGain(o.cfg.Gain); err != nil {
			return nil, nil, err
		}
	}

	playout, err := av.NewPlayout(av.PlayoutConfig{
		Format:      o.cfg.Format,
		BufferDelay: o.cfg.BufferDelay,
		Gain:        gain,
		Metrics:     o.deps.Metrics,
	}, decoder)
	if err != nil {
		return nil, nil, err
	}

	sink, err := o.deps.NewSink(o.cfg.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio sink: %w", err)
	}

	sched, err := av.NewScheduler(av.SchedulerConfig{
		Tick:           o.cfg.Format.FrameDuration,
		SyncInterval:   o.cfg.SyncInterval,
		RequestedDelay: o.cfg.RequestedDelay,
		PlayoutDelay:   o.cfg.BufferDelay + o.cfg.BaseTransit,
		Latency:        o.deps.Latency,
		Metrics:        o.deps.Metrics,
	}, playout, sink)
	if err != nil {
		return nil, nil, err
	}
	return playout, sched, nil
}
