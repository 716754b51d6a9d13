package rtcp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	pionrtcp "github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice answers control packets the way the device firmware does.
type fakeDevice struct {
	conn net.PacketConn

	mu          sync.Mutex
	received    []Packet
	dropVDLY    int
	ackDelay    bool
	ackClient   bool
	wrongDelay  bool
	vdlyDropped int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeDevice{conn: conn, ackDelay: true, ackClient: true}
}

func (d *fakeDevice) serve() {
	buf := make([]byte, maxControlPacket)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		packets, err := Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range packets {
			if reply, ok := d.handle(p); ok {
				raw, _ := reply.Marshal()
				d.conn.WriteTo(raw, from)
			}
		}
	}
}

func (d *fakeDevice) handle(p Packet) (Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, p)

	switch {
	case p.IsApp(NameVDLY):
		if d.vdlyDropped < d.dropVDLY {
			d.vdlyDropped++
			return Packet{}, false
		}
		if !d.ackDelay {
			return Packet{}, false
		}
		delay, _ := p.DelayMicroseconds()
		if d.wrongDelay {
			delay++
		}
		return NewXDLY(delay), true
	case p.IsApp(NameCVER):
		if !d.ackClient {
			return Packet{}, false
		}
		return NewNCLI(), true
	}
	return Packet{}, false
}

func (d *fakeDevice) count(match func(Packet) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.received {
		if match(p) {
			n++
		}
	}
	return n
}

func isVDLY(p Packet) bool { return p.IsApp(NameVDLY) }
func isCVER(p Packet) bool { return p.IsApp(NameCVER) }
func isBye(p Packet) bool  { return p.Type == TypeBye }
func isRR(p Packet) bool   { return p.Type == TypeReceiverReport }

func newTestChannel(t *testing.T, device *fakeDevice, onState func(HandshakeState)) *Channel {
	t.Helper()
	ch, err := DialChannel(ChannelConfig{
		LocalAddr:         "127.0.0.1:0",
		RemoteAddr:        device.conn.LocalAddr().String(),
		RetryInterval:     50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		OnStateChange:     onState,
	})
	require.NoError(t, err)
	return ch
}

func TestChannel_HandshakeRetriesUntilAcked(t *testing.T) {
	device := newFakeDevice(t)
	device.dropVDLY = 2
	go device.serve()

	var mu sync.Mutex
	var states []HandshakeState
	ch := newTestChannel(t, device, func(s HandshakeState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(ctx) }()

	hsCtx, hsCancel := context.WithTimeout(ctx, 2*time.Second)
	defer hsCancel()
	require.NoError(t, ch.Handshake(hsCtx))

	assert.Equal(t, HandshakeComplete, ch.State())
	assert.Equal(t, 3, device.count(isVDLY))
	assert.Equal(t, 1, device.count(isCVER))
	assert.Equal(t, uint64(4), ch.Attempts())

	mu.Lock()
	assert.Equal(t, []HandshakeState{
		HandshakeAwaitingDelayAck,
		HandshakeAwaitingClientAck,
		HandshakeComplete,
	}, states)
	mu.Unlock()

	hbCtx, hbCancel := context.WithTimeout(ctx, 70*time.Millisecond)
	defer hbCancel()
	assert.ErrorIs(t, ch.Heartbeat(hbCtx), context.DeadlineExceeded)
	assert.GreaterOrEqual(t, device.count(isRR), 2)

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("receive loop did not stop")
	}
	require.Eventually(t, func() bool { return device.count(isBye) == 1 }, time.Second, 5*time.Millisecond)
}

func TestChannel_HandshakeMismatchedDelayKeepsWaiting(t *testing.T) {
	device := newFakeDevice(t)
	device.wrongDelay = true
	go device.serve()

	ch := newTestChannel(t, device, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	hsCtx, hsCancel := context.WithTimeout(ctx, 180*time.Millisecond)
	defer hsCancel()
	err := ch.Handshake(hsCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, HandshakeFailed, ch.State())
	assert.GreaterOrEqual(t, device.count(isVDLY), 3)
	assert.Zero(t, device.count(isCVER))
}

func TestChannel_CancelDuringHandshake(t *testing.T) {
	device := newFakeDevice(t)
	device.ackClient = false
	go device.serve()

	ch := newTestChannel(t, device, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(ctx) }()

	hsDone := make(chan error, 1)
	go func() { hsDone <- ch.Handshake(ctx) }()

	require.Eventually(t, func() bool { return device.count(isCVER) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, HandshakeAwaitingClientAck, ch.State())

	cancel()
	select {
	case err := <-hsDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handshake did not stop after cancel")
	}
	select {
	case <-runDone:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("receive loop did not stop after cancel")
	}

	assert.Equal(t, HandshakeCancelled, ch.State())
	assert.Equal(t, "cancelled", ch.State().String())
	require.Eventually(t, func() bool { return device.count(isBye) == 1 }, time.Second, 5*time.Millisecond)

	// Closed socket: Close stays idempotent and sends nothing more.
	assert.NoError(t, ch.Close())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, device.count(isBye))
}

func TestChannel_RecordsDeviceReportsAndBye(t *testing.T) {
	device := newFakeDevice(t)
	go device.serve()

	ch := newTestChannel(t, device, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	hsCtx, hsCancel := context.WithTimeout(ctx, 2*time.Second)
	defer hsCancel()
	require.NoError(t, ch.Handshake(hsCtx))
	assert.Nil(t, ch.LastSenderReport())

	sr, err := (&pionrtcp.SenderReport{
		SSRC:        0x1234,
		NTPTime:     0xAABBCCDD00112233,
		RTPTime:     48000,
		PacketCount: 100,
	}).Marshal()
	require.NoError(t, err)
	bye, err := (&pionrtcp.Goodbye{Sources: []uint32{0x1234}, Reason: "stop"}).Marshal()
	require.NoError(t, err)

	_, err = device.conn.WriteTo(sr, ch.LocalAddr())
	require.NoError(t, err)
	_, err = device.conn.WriteTo(bye, ch.LocalAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ch.PeerByes() == 1 }, time.Second, 5*time.Millisecond)
	got := ch.LastSenderReport()
	require.NotNil(t, got)
	assert.Equal(t, uint32(0x1234), got.SSRC)
	assert.Equal(t, uint64(0xAABBCCDD00112233), got.NTPTime)
	assert.Equal(t, uint32(100), got.PacketCount)
	assert.Equal(t, HandshakeComplete, ch.State())
}

func TestDialChannel_InvalidRemote(t *testing.T) {
	tests := []string{"", "nohost", "10.0.0.5:0", ":5150"}
	for _, remote := range tests {
		t.Run(remote, func(t *testing.T) {
			_, err := DialChannel(ChannelConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: remote})
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}
