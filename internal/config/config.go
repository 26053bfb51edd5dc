// Package config loads and validates TOML configuration for the teleopctl
// binaries. Zero fields fall back to working defaults so a minimal config
// file stays minimal.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/robolab/teleopctl/internal/protocol/session"
)

type TransportConfig struct {
	SecurityMode       string `toml:"security_mode"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	TLSMutual          bool   `toml:"tls_mutual"`
	TLSCertFile        string `toml:"tls_cert_file"`
	TLSKeyFile         string `toml:"tls_key_file"`
	TLSCAFile          string `toml:"tls_ca_file"`
	TLSServerName      string `toml:"tls_server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type SessionTuning struct {
	ConnectTimeoutMS    int64 `toml:"connect_timeout_ms"`
	HandshakeTimeoutMS  int64 `toml:"handshake_timeout_ms"`
	ReadTimeoutMS       int64 `toml:"read_timeout_ms"`
	WriteTimeoutMS      int64 `toml:"write_timeout_ms"`
	HeartbeatIntervalMS int64 `toml:"heartbeat_interval_ms"`
	MissedHeartbeats    int   `toml:"missed_heartbeats"`
	DegradedGraceMS     int64 `toml:"degraded_grace_ms"`
	OutboundBuffer      int   `toml:"outbound_buffer"`
	InboundBuffer       int   `toml:"inbound_buffer"`
	MaxFrameBytes       int64 `toml:"max_frame_bytes"`
}

type ServerConfig struct {
	Name          string          `toml:"name"`
	ListenAddr    string          `toml:"listen_addr"`
	AdminAddr     string          `toml:"admin_addr"`
	AdminHost     string          `toml:"admin_host"`
	MaxSessions   int             `toml:"max_sessions"`
	SweepMS       int64           `toml:"sweep_interval_ms"`
	PolicyRoot    string          `toml:"policy_root"`
	StaticPolicy  string          `toml:"static_policy"`
	Transport     TransportConfig `toml:"transport"`
	SessionTuning SessionTuning   `toml:"session"`
}

type ClientConfig struct {
	ServerAddr     string          `toml:"server_addr"`
	ClientID       string          `toml:"client_id"`
	PolicyID       string          `toml:"policy_id"`
	Instruction    string          `toml:"instruction"`
	FPS            int             `toml:"fps"`
	StalenessTicks int             `toml:"staleness_ticks"`
	DegradeMode    string          `toml:"degrade_mode"`
	MaxAttempts    int             `toml:"max_connect_attempts"`
	Transport      TransportConfig `toml:"transport"`
	SessionTuning  SessionTuning   `toml:"session"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) WithDefaults() ServerConfig {
	if c.Name == "" {
		c.Name = "teleopd"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9750"
	}
	if c.AdminAddr == "" {
		c.AdminAddr = ":9751"
	}
	if c.AdminHost == "" {
		c.AdminHost = "127.0.0.1"
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 16
	}
	if c.SweepMS <= 0 {
		c.SweepMS = 1000
	}
	return c
}

func (c ClientConfig) WithDefaults() ClientConfig {
	if c.ClientID == "" {
		c.ClientID = "teleopctl"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.StalenessTicks <= 0 {
		c.StalenessTicks = 3
	}
	if c.DegradeMode == "" {
		c.DegradeMode = "failsafe"
	}
	return c
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("server config missing listen_addr")
	}
	if strings.HasPrefix(strings.TrimSpace(cfg.AdminAddr), ":") &&
		strings.TrimSpace(cfg.AdminHost) == "" {
		return fmt.Errorf("server config admin_host required when admin_addr is a port")
	}
	if err := validateTransport(cfg.Transport); err != nil {
		return err
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.ServerAddr) == "" {
		return fmt.Errorf("client config missing server_addr")
	}
	if strings.TrimSpace(cfg.PolicyID) == "" {
		return fmt.Errorf("client config missing policy_id")
	}
	switch cfg.DegradeMode {
	case "hold", "failsafe":
	default:
		return fmt.Errorf("client config degrade_mode must be hold or failsafe, got %q", cfg.DegradeMode)
	}
	if err := validateTransport(cfg.Transport); err != nil {
		return err
	}
	return nil
}

func validateTransport(cfg TransportConfig) error {
	switch cfg.SecurityMode {
	case "", string(session.SecurityModeDevelopment), string(session.SecurityModeProduction):
	default:
		return fmt.Errorf("transport security_mode must be development or production, got %q", cfg.SecurityMode)
	}
	if cfg.TLSEnabled && cfg.TLSMutual {
		if strings.TrimSpace(cfg.TLSCertFile) == "" || strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return fmt.Errorf("transport mutual tls requires tls_cert_file and tls_key_file")
		}
	}
	return nil
}

// SessionConfig maps the file-level tuning onto the session package's
// config, leaving untouched fields to its own defaulting.
func (t SessionTuning) SessionConfig(tr TransportConfig) session.Config {
	cfg := session.Config{
		ConnectTimeout:    time.Duration(t.ConnectTimeoutMS) * time.Millisecond,
		HandshakeTimeout:  time.Duration(t.HandshakeTimeoutMS) * time.Millisecond,
		ReadTimeout:       time.Duration(t.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(t.WriteTimeoutMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(t.HeartbeatIntervalMS) * time.Millisecond,
		MissedHeartbeats:  t.MissedHeartbeats,
		DegradedGrace:     time.Duration(t.DegradedGraceMS) * time.Millisecond,
		OutboundBuffer:    t.OutboundBuffer,
		InboundBuffer:     t.InboundBuffer,
	}
	if t.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = uint32(t.MaxFrameBytes)
	}
	if tr.SecurityMode != "" {
		cfg.SecurityMode = session.SecurityMode(tr.SecurityMode)
	}
	cfg.TLS = session.TLSConfig{
		Enabled:            tr.TLSEnabled,
		Mutual:             tr.TLSMutual,
		CertFile:           tr.TLSCertFile,
		KeyFile:            tr.TLSKeyFile,
		CAFile:             tr.TLSCAFile,
		ServerName:         tr.TLSServerName,
		InsecureSkipVerify: tr.InsecureSkipVerify,
	}
	return cfg.WithDefaults()
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
