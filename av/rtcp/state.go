package rtcp

// HandshakeState is the progress of the control channel handshake.
type HandshakeState uint32

const (
	// HandshakeNotStarted means nothing has been sent yet.
	HandshakeNotStarted HandshakeState = iota
	// HandshakeAwaitingDelayAck means VDLY was sent and XDLY is pending.
	HandshakeAwaitingDelayAck
	// HandshakeAwaitingClientAck means CVER was sent and NCLI is pending.
	HandshakeAwaitingClientAck
	// HandshakeComplete means the device accepted this client.
	HandshakeComplete
	// HandshakeFailed means the handshake ended without completing.
	HandshakeFailed
	// HandshakeCancelled means the caller stopped the handshake.
	HandshakeCancelled
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNotStarted:
		return "not_started"
	case HandshakeAwaitingDelayAck:
		return "awaiting_delay_ack"
	case HandshakeAwaitingClientAck:
		return "awaiting_client_ack"
	case HandshakeComplete:
		return "complete"
	case HandshakeFailed:
		return "failed"
	case HandshakeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
