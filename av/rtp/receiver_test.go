package rtp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTimeProvider struct {
	now time.Time
}

func (f fixedTimeProvider) Now() time.Time { return f.now }

type recordingObserver struct {
	mu        sync.Mutex
	packets   int
	malformed int
}

func (o *recordingObserver) ObservePacket(Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packets++
}

func (o *recordingObserver) ObserveMalformed(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.malformed++
}

func marshalRTP(t *testing.T, seq uint16, pt uint8, ssrc uint32, payload []byte) []byte {
	t.Helper()
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 480,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := p.Marshal()
	require.NoError(t, err)
	return data
}

func TestParsePacket(t *testing.T) {
	at := time.Unix(1000, 0)

	t.Run("Valid packet", func(t *testing.T) {
		data := marshalRTP(t, 77, 97, 0, []byte{0xde, 0xad})
		pkt, err := ParsePacket(data, at)
		require.NoError(t, err)
		assert.Equal(t, uint16(77), pkt.SequenceNumber)
		assert.Equal(t, uint8(97), pkt.PayloadType)
		assert.Equal(t, uint32(0), pkt.SSRC)
		assert.Equal(t, []byte{0xde, 0xad}, pkt.Payload)
		assert.Equal(t, at, pkt.ReceivedAt)

		// The payload must not alias the read buffer.
		data[len(data)-1] = 0
		assert.Equal(t, byte(0xad), pkt.Payload[1])
	})

	t.Run("Empty datagram", func(t *testing.T) {
		_, err := ParsePacket(nil, at)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("Truncated header", func(t *testing.T) {
		_, err := ParsePacket([]byte{0x80, 0x61, 0x00}, at)
		assert.ErrorIs(t, err, ErrMalformedPacket)
		var mpe *MalformedPacketError
		assert.True(t, errors.As(err, &mpe))
		assert.Equal(t, 3, mpe.Size)
	})
}

func TestReceiver_WarmupValidationAndCancel(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Packet
	observer := &recordingObserver{}
	receiver, err := NewReceiver(conn, ReceiverConfig{
		PayloadType:   97,
		WarmupPackets: 2,
		TimeProvider:  fixedTimeProvider{now: time.Unix(42, 0)},
		Observer:      observer,
	}, func(p Packet) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receiver.Run(ctx) }()

	sender, err := net.Dial("udp", receiver.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	send := func(data []byte) {
		_, err := sender.Write(data)
		require.NoError(t, err)
	}
	send(marshalRTP(t, 1, 97, 0, []byte{1}))
	send(marshalRTP(t, 2, 97, 0, []byte{2}))
	send([]byte{0x01})
	send(marshalRTP(t, 3, 97, 0, []byte{3}))
	send(marshalRTP(t, 4, 96, 5, []byte{4}))
	send(marshalRTP(t, 5, 97, 0, nil))

	require.Eventually(t, func() bool {
		return receiver.Stats().PacketsReceived == 6
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, uint16(3), got[0].SequenceNumber)
	assert.Equal(t, uint16(4), got[1].SequenceNumber)
	assert.Equal(t, time.Unix(42, 0), got[0].ReceivedAt)
	mu.Unlock()

	stats := receiver.Stats()
	assert.Equal(t, uint64(2), stats.WarmupDropped)
	assert.Equal(t, uint64(2), stats.PacketsMalformed)
	assert.Equal(t, uint64(1), stats.Unexpected)
	assert.Equal(t, uint64(2), stats.PacketsDelivered)
	observer.mu.Lock()
	assert.Equal(t, 2, observer.packets)
	assert.Equal(t, 2, observer.malformed)
	observer.mu.Unlock()

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("receiver did not stop after cancel")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// The socket is closed, so a second close is a no-op.
	assert.NoError(t, receiver.Close())
}

func TestNewReceiver_Validation(t *testing.T) {
	_, err := NewReceiver(nil, ReceiverConfig{}, func(Packet) {})
	assert.Error(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	_, err = NewReceiver(conn, ReceiverConfig{}, nil)
	assert.Error(t, err)
}
