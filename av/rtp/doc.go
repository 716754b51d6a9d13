// Package rtp provides the receive side of the audio relay RTP stream.
//
// A streaming device sends Opus audio to this host as RTP over UDP. This
// package parses those datagrams, resolves their 16-bit wire sequence numbers
// into an ever-increasing logical sequence, and orders them for playout.
//
// # Architecture Overview
//
// The receive path consists of these components:
//
//   - Packet: a parsed RTP datagram plus its local receipt time
//   - SequenceTracker: extends 16-bit wrapping sequence numbers
//   - JitterBuffer: a priority queue of entries keyed by logical sequence
//   - Receiver: owns the UDP listener and hands packets to a handler
//
// # Sequence Extension
//
// Wire sequence numbers wrap every 65536 packets. The tracker compares each
// new wire value against the running logical sequence and picks the nearest
// wrap cycle:
//
//	tracker := &rtp.SequenceTracker{}
//	logical := tracker.Resolve(pkt.SequenceNumber)
//
// Gaps larger than half the wrap range are ambiguous and are resolved towards
// the nearest cycle.
//
// # Jitter Buffer
//
// The jitter buffer never enforces an upper bound. Playout advances the
// delivered pointer on a timer; entries that fall behind it are discarded
// when the playout asks for the next packet:
//
//	jb := rtp.NewJitterBuffer()
//	_ = jb.Insert(rtp.Entry{Packet: pkt, Logical: logical})
//	entry, skipped, ok := jb.NextUpTo(pointer + 1)
//
// # Receiving
//
// A Receiver blocks in Run until its context is cancelled. Cancellation closes
// the socket, which interrupts the pending read:
//
//	receiver, err := rtp.ListenReceiver(":6970", rtp.ReceiverConfig{PayloadType: 97}, handle)
//	if err != nil {
//	    return err
//	}
//	err = receiver.Run(ctx)
//
// # Deterministic Testing
//
// Receipt timestamps come from an injectable TimeProvider.
//
// # Thread Safety
//
// SequenceTracker and JitterBuffer are not synchronized; they are owned by the
// playout actor in package av. Receiver counters are safe for concurrent reads.
package rtp
