package session

import "errors"

var (
	ErrConnectFailed     = errors.New("session: connect failed")
	ErrTimeout           = errors.New("session: timeout")
	ErrNotConnected      = errors.New("session: not connected")
	ErrChannelFull       = errors.New("session: outbound channel full")
	ErrHeartbeatTimeout  = errors.New("session: heartbeat timeout")
	ErrPolicyUnavailable = errors.New("session: policy unavailable")
	ErrCapacityExceeded  = errors.New("session: capacity exceeded")
	ErrVersionMismatch   = errors.New("session: protocol version mismatch")
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	ErrInvalidHello      = errors.New("session: invalid hello")
	ErrInvalidHelloAck   = errors.New("session: invalid hello ack")
	ErrControlTooLarge   = errors.New("session: control message too large")
	ErrConnectionClosed  = errors.New("session: connection closed by peer")
)
