package protocol

import "errors"

var (
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnknownDtype       = errors.New("protocol: unknown dtype")
	ErrUnknownMessageKind = errors.New("protocol: unknown message kind")
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
	ErrChannelTooLarge    = errors.New("protocol: channel exceeds wire bounds")
	ErrNilMessage         = errors.New("protocol: nil message")
)
