package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/ecprelay/av"
	"github.com/opd-ai/ecprelay/av/audio"
	"github.com/opd-ai/ecprelay/av/rtcp"
	"github.com/opd-ai/ecprelay/ecp"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	connectErr error
	relayErr   error
	params     chan ecp.RelayParams
	closed     atomic.Bool
}

func newFakeController() *fakeController {
	return &fakeController{params: make(chan ecp.RelayParams, 1)}
}

func (c *fakeController) Connect(context.Context) error { return c.connectErr }

func (c *fakeController) RequestAudioRelay(_ context.Context, p ecp.RelayParams) (ecp.RelayParams, error) {
	if c.relayErr != nil {
		return p, c.relayErr
	}
	p.HostIP = "127.0.0.1"
	c.params <- p
	return p, nil
}

func (c *fakeController) Close() error {
	c.closed.Store(true)
	return nil
}

type toneDecoder struct {
	format audio.Format
}

func (d toneDecoder) Decode([]byte) (audio.PCM, error) {
	pcm := audio.NewSilence(d.format.FramesPerPacket(), d.format)
	for i := range pcm.Samples {
		pcm.Samples[i] = 1000
	}
	return pcm, nil
}

func (d toneDecoder) DecodeLossConcealment(frames int) (audio.PCM, error) {
	return audio.NewSilence(frames, d.format), nil
}

func (toneDecoder) Reset() {}

// controlPeer acknowledges the handshake like the device does.
type controlPeer struct {
	conn net.PacketConn

	mu      sync.Mutex
	from    net.Addr
	reports int
	byes    int
}

func newControlPeer(t *testing.T) *controlPeer {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &controlPeer{conn: conn}
	go p.serve()
	return p
}

func (p *controlPeer) port() uint16 {
	return uint16(p.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (p *controlPeer) serve() {
	buf := make([]byte, 1500)
	for {
		n, from, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			var reply *rtcp.Packet
			p.mu.Lock()
			p.from = from
			switch {
			case pkt.IsApp(rtcp.NameVDLY):
				delay, _ := pkt.DelayMicroseconds()
				r := rtcp.NewXDLY(delay)
				reply = &r
			case pkt.IsApp(rtcp.NameCVER):
				r := rtcp.NewNCLI()
				reply = &r
			case pkt.Type == rtcp.TypeReceiverReport:
				p.reports++
			case pkt.Type == rtcp.TypeBye:
				p.byes++
			}
			p.mu.Unlock()
			if reply != nil {
				raw, _ := reply.Marshal()
				_, _ = p.conn.WriteTo(raw, from)
			}
		}
	}
}

func (p *controlPeer) snapshot() (net.Addr, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.from, p.reports, p.byes
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LocalRTPAddr = "127.0.0.1:0"
	cfg.LocalRTCPAddr = "127.0.0.1:0"
	cfg.HandshakeRetry = 50 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.SyncInterval = 10 * time.Millisecond
	return cfg
}

type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *statusRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func sendRTP(t *testing.T, port uint16, from, count int) {
	t.Helper()
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < count; i++ {
		pkt := pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				PayloadType:    DefaultPayloadType,
				SequenceNumber: uint16(from + i),
				Timestamp:      uint32((from + i) * 480),
			},
			Payload: []byte{0x08, 0x01, 0x02},
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = conn.Write(raw)
		require.NoError(t, err)
	}
}

func assertPortFree(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.ListenPacket("udp", addr)
	require.NoError(t, err, "socket %s still bound", addr)
	conn.Close()
}

func TestRelayStreamsAndCancels(t *testing.T) {
	peer := newControlPeer(t)
	ctrl := newFakeController()
	sink := audio.NewClockSink(audio.DefaultFormat, 0, nil)
	metrics, err := av.NewMetrics(nil)
	require.NoError(t, err)

	o := New(testConfig(), Deps{
		NewController: func(ecp.Location) Controller { return ctrl },
		NewDecoder: func(f audio.Format) (av.PacketDecoder, error) {
			return toneDecoder{format: f}, nil
		},
		NewSink: func(audio.Format) (audio.Sink, error) { return sink, nil },
		Metrics: metrics,
	})
	rec := &statusRecorder{}
	o.OnStatusChange(rec.record)

	port := peer.port()
	h, err := o.StartRelay(context.Background(), "http://127.0.0.1:8060/", &port)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())

	var params ecp.RelayParams
	select {
	case params = <-ctrl.params:
	case <-time.After(2 * time.Second):
		t.Fatal("relay was never requested")
	}
	assert.Equal(t, DefaultPayloadType, params.PayloadType)
	assert.Equal(t, uint32(48000), params.ClockRate)

	require.Eventually(t, func() bool { return h.Status().State == StateActive }, 2*time.Second, 5*time.Millisecond)

	sendRTP(t, params.RTPPort, 100, 30)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().PacketsReceived == uint64(30-DefaultWarmupPackets)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := sink.Scheduled()
		return n > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, reports, _ := peer.snapshot()
		return reports >= 2
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	h.Cancel()
	require.NoError(t, h.Wait())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.False(t, sink.Running())
	assert.True(t, ctrl.closed.Load())
	assert.Equal(t, StateIdle, h.Status().State)

	from, _, _ := peer.snapshot()
	require.NotNil(t, from)
	assertPortFree(t, from.String())
	assertPortFree(t, fmt.Sprintf("127.0.0.1:%d", params.RTPPort))
	require.Eventually(t, func() bool {
		_, _, byes := peer.snapshot()
		return byes == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []State{StateConnecting, StateActive, StateIdle}, rec.get())

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.HandshakeAttempts)
	assert.NotZero(t, snap.FramesScheduled)
}

func TestRelayFailures(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
		relayErr   error
		kind       ErrorKind
		target     error
	}{
		{"auth denied", fmt.Errorf("%w: status 401", ecp.ErrAuthDenied), nil, KindAuth, ecp.ErrAuthDenied},
		{"unreachable", fmt.Errorf("%w: refused", ecp.ErrConnectFailed), nil, KindConnection, ecp.ErrConnectFailed},
		{"relay refused", nil, fmt.Errorf("%w: 403", ecp.ErrRelayStartFailed), KindConnection, ecp.ErrRelayStartFailed},
		{"no interface", nil, ecp.ErrBadInterfaceIP, KindConnection, ecp.ErrBadInterfaceIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := newControlPeer(t)
			ctrl := newFakeController()
			ctrl.connectErr = tt.connectErr
			ctrl.relayErr = tt.relayErr

			o := New(testConfig(), Deps{
				NewController: func(ecp.Location) Controller { return ctrl },
				NewDecoder: func(f audio.Format) (av.PacketDecoder, error) {
					return toneDecoder{format: f}, nil
				},
			})
			rec := &statusRecorder{}
			o.OnStatusChange(rec.record)

			port := peer.port()
			h, err := o.StartRelay(context.Background(), "http://127.0.0.1:8060/", &port)
			require.NoError(t, err)

			err = h.Wait()
			assert.ErrorIs(t, err, tt.target)

			st := h.Status()
			assert.Equal(t, StateError, st.State)
			assert.Equal(t, tt.kind, st.Kind)
			assert.Equal(t, h.ID(), st.SessionID)
			assert.True(t, ctrl.closed.Load())
			assert.Equal(t, []State{StateConnecting, StateError}, rec.get())
		})
	}
}

func TestRelayCancelBeforeHandshake(t *testing.T) {
	// A peer that never answers keeps the handshake retrying.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	port := uint16(silent.LocalAddr().(*net.UDPAddr).Port)

	ctrl := newFakeController()
	sink := audio.NewClockSink(audio.DefaultFormat, 0, nil)
	o := New(testConfig(), Deps{
		NewController: func(ecp.Location) Controller { return ctrl },
		NewDecoder: func(f audio.Format) (av.PacketDecoder, error) {
			return toneDecoder{format: f}, nil
		},
		NewSink: func(audio.Format) (audio.Sink, error) { return sink, nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := o.StartRelay(ctx, "http://127.0.0.1:8060/", &port)
	require.NoError(t, err)

	select {
	case <-ctrl.params:
	case <-time.After(2 * time.Second):
		t.Fatal("relay was never requested")
	}
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnecting, h.Status().State)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("relay did not stop")
	}
	assert.NoError(t, h.Wait())
	assert.False(t, sink.Running())
}

func TestStartRelayRejectsBadInput(t *testing.T) {
	o := New(testConfig(), Deps{})

	_, err := o.StartRelay(context.Background(), "not a url", nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.ErrorIs(t, err, ecp.ErrBadURL)

	zero := uint16(0)
	_, err = o.StartRelay(context.Background(), "http://127.0.0.1:8060/", &zero)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

type stubLookup struct {
	info  ecp.DeviceInfo
	err   error
	calls int
}

func (s *stubLookup) Lookup(context.Context, ecp.Location) (ecp.DeviceInfo, error) {
	s.calls++
	return s.info, s.err
}

func TestControlPortResolution(t *testing.T) {
	loc, err := ecp.ParseLocation("http://10.0.0.2:8060/")
	require.NoError(t, err)
	known := uint16(6000)

	tests := []struct {
		name   string
		lookup *stubLookup
		known  *uint16
		want   uint16
		calls  int
	}{
		{"known port wins", &stubLookup{info: ecp.DeviceInfo{RTCPPort: 5151}}, &known, 6000, 0},
		{"advertised port", &stubLookup{info: ecp.DeviceInfo{RTCPPort: 5151, SupportsDatagram: true}}, nil, 5151, 1},
		{"not advertised", &stubLookup{info: ecp.DeviceInfo{SupportsDatagram: true}}, nil, DefaultControlPort, 1},
		{"lookup failed", &stubLookup{err: errors.New("boom"), info: ecp.DeviceInfo{RTCPPort: 1}}, nil, DefaultControlPort, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(DefaultConfig(), Deps{DeviceInfo: tt.lookup})
			assert.Equal(t, tt.want, o.controlPort(context.Background(), loc, tt.known))
			assert.Equal(t, tt.calls, tt.lookup.calls)
		})
	}
}
