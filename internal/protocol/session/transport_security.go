package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// The two ends of the channel verify different material: the robot checks
// the server it is about to take actuator commands from, the server checks
// which robots may drive a policy. transportEnd selects which obligations
// apply.
type transportEnd int

const (
	endRobot transportEnd = iota
	endPolicyHost
)

// ValidateClientTransport checks the robot-side posture before dialing.
// Production mode means mutual TLS with real verification: a spoofed
// policy host sends actions straight to hardware.
func (c Config) ValidateClientTransport() error {
	return c.checkTransport(endRobot)
}

// ValidateServerTransport checks the policy-host posture before listening.
func (c Config) ValidateServerTransport() error {
	return c.checkTransport(endPolicyHost)
}

func (c Config) checkTransport(end transportEnd) error {
	mode := c.SecurityMode
	if strings.TrimSpace(string(mode)) == "" {
		mode = SecurityModeDevelopment
	}
	mode = SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if end == endRobot && c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if !c.TLS.Enabled {
		return nil
	}

	switch end {
	case endRobot:
		if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
			return ErrTLSCAFileRequired
		}
		if c.TLS.Mutual {
			if strings.TrimSpace(c.TLS.CertFile) == "" {
				return ErrTLSCertFileRequired
			}
			if strings.TrimSpace(c.TLS.KeyFile) == "" {
				return ErrTLSKeyFileRequired
			}
		}
	case endPolicyHost:
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
		if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
			return ErrTLSCAFileRequired
		}
	}
	return nil
}
