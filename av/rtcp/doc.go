// Package rtcp implements the relay control channel spoken with the device's
// RTCP port.
//
// The device firmware expects a small set of standard RTCP packets plus
// application-defined (APP, type 204) packets identified by a four character
// name tag:
//
//   - VDLY: client requests a playback delay, in microseconds
//   - XDLY: device acknowledges the delay it applied
//   - CVER: client announces its protocol version
//   - NCLI: device acknowledges the new client
//
// Every packet starts with the common 4-byte RTCP header (version 2, padding,
// 5-bit subtype/count, packet type, length in 32-bit words of body). Packets
// carrying unknown types or tags are kept as opaque bodies so they survive a
// decode/encode round trip unchanged.
//
// # Handshake
//
// Before the device streams audio, the client must complete two exchanges:
//
//	NotStarted -> AwaitingDelayAck  (send VDLY, wait for matching XDLY)
//	           -> AwaitingClientAck (send CVER, wait for NCLI)
//	           -> Complete
//
// Each wait times out after the retry interval (1s by default) and the same
// request is sent again, forever, until the handshake completes or its
// context is cancelled. After Complete the client sends an empty receiver
// report every second as a keep-alive.
//
// # Usage
//
//	ch, err := rtcp.DialChannel(rtcp.ChannelConfig{LocalAddr: ":6971", RemoteAddr: "10.0.0.5:5150"})
//	if err != nil {
//	    return err
//	}
//	go ch.Run(ctx)
//	if err := ch.Handshake(ctx); err != nil {
//	    return err
//	}
//	return ch.Heartbeat(ctx)
//
// Closing the channel sends a best-effort BYE before releasing the socket.
package rtcp
