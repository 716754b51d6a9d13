package rtp

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// ErrMalformedPacket indicates a datagram that is not a usable RTP packet.
var ErrMalformedPacket = errors.New("malformed RTP packet")

// MalformedPacketError describes why a datagram was rejected.
type MalformedPacketError struct {
	Size   int
	Reason string
	Err    error
}

func (e *MalformedPacketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed RTP packet (%d bytes): %s: %v", e.Size, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed RTP packet (%d bytes): %s", e.Size, e.Reason)
}

// Is reports ErrMalformedPacket as the sentinel for this error.
func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformedPacket
}

func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}

// Packet is a received RTP audio packet.
//
// Packets are ephemeral: the Receiver creates them and hands ownership to the
// playout, which moves them into the jitter buffer.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	PayloadType    uint8
	SSRC           uint32
	Payload        []byte
	ReceivedAt     time.Time
}

// Entry is a Packet annotated with its resolved logical sequence.
type Entry struct {
	Packet
	Logical int64
}

// ParsePacket parses one RTP datagram.
//
// The payload is copied so the caller may reuse the read buffer.
//
// Parameters:
//   - data: Raw datagram bytes
//   - receivedAt: Local receipt time of the datagram
//
// Returns:
//   - Packet: The parsed packet
//   - error: A *MalformedPacketError if the datagram is not RTP version 2
func ParsePacket(data []byte, receivedAt time.Time) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, &MalformedPacketError{Size: 0, Reason: "empty datagram"}
	}

	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return Packet{}, &MalformedPacketError{Size: len(data), Reason: "header", Err: err}
	}
	if p.Version != 2 {
		return Packet{}, &MalformedPacketError{
			Size:   len(data),
			Reason: fmt.Sprintf("unsupported version %d", p.Version),
		}
	}

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)

	logrus.WithFields(logrus.Fields{
		"function":     "ParsePacket",
		"sequence":     p.SequenceNumber,
		"payload_type": p.PayloadType,
		"ssrc":         p.SSRC,
		"payload_size": len(payload),
	}).Trace("Parsed RTP packet")

	return Packet{
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		PayloadType:    p.PayloadType,
		SSRC:           p.SSRC,
		Payload:        payload,
		ReceivedAt:     receivedAt,
	}, nil
}
