package session

import (
	"time"

	"github.com/robolab/teleopctl/internal/protocol"
)

const defaultMaxFrameBytes = protocol.DefaultMaxFrameBytes

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// SecurityMode selects the transport security posture.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig configures optional transport encryption.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	DegradedGrace     time.Duration
	OutboundBuffer    int
	InboundBuffer     int
	MaxFrameBytes     uint32
	SecurityMode      SecurityMode
	TLS               TLSConfig
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  3,
		DegradedGrace:     3 * time.Second,
		OutboundBuffer:    8,
		InboundBuffer:     8,
		MaxFrameBytes:     0, // filled by WithDefaults
		SecurityMode:      SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields so partially built configs stay usable.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = def.MissedHeartbeats
	}
	if c.DegradedGrace <= 0 {
		c.DegradedGrace = def.DegradedGrace
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = def.OutboundBuffer
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = def.InboundBuffer
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.SecurityMode == "" {
		c.SecurityMode = def.SecurityMode
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// deadWindow is how long a direction may stay silent before the session is
// considered degraded.
func (c Config) deadWindow() time.Duration {
	return time.Duration(c.MissedHeartbeats) * c.HeartbeatInterval
}
