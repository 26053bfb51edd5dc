// Package client implements the robot-side half of the control channel:
// a dialer that establishes handshaken sessions and a tick-paced driver
// that streams observations and applies returned actions.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robolab/teleopctl/internal/protocol"
	"github.com/robolab/teleopctl/internal/protocol/session"
)

var (
	ErrAddressRequired  = errors.New("client: server address required")
	ErrClientIDRequired = errors.New("client: client_id required")
	ErrPolicyIDRequired = errors.New("client: policy_id required")
)

type Config struct {
	Address            string
	ClientID           string
	PolicyID           string
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
	}
}

// Client dials the inference server and runs the session handshake,
// retrying transient failures with backoff. Rejections are terminal.
type Client struct {
	cfg Config
	rng *rand.Rand
	log zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, ErrClientIDRequired
	}
	if strings.TrimSpace(cfg.PolicyID) == "" {
		return nil, ErrPolicyIDRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: log.With().Str("client", cfg.ClientID).Logger(),
	}, nil
}

// Connect dials, performs the hello exchange and returns a live session.
// A rejected handshake is returned as-is; dial and transport failures are
// retried up to MaxConnectAttempts (unbounded when <= 0).
func (c *Client) Connect(ctx context.Context) (*session.Session, error) {
	var attempt int
	var lastErr error
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("dial failed")
			if !c.shouldRetry(attempt) {
				return nil, fmt.Errorf("%w: %v", session.ErrConnectFailed, lastErr)
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		sess, err := c.handshake(conn)
		if err == nil {
			c.log.Info().Str("session", sess.ID()).Msg("session established")
			return sess, nil
		}
		_ = conn.Close()
		if isRejection(err) || !c.shouldRetry(attempt) {
			return nil, err
		}
		lastErr = err
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.Session.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.cfg.Session.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(c.cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.cfg.Session.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("client: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.cfg.Session.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.cfg.Session.TLS.CertFile, c.cfg.Session.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Client) handshake(conn net.Conn) (*session.Session, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)

	hello := session.Hello{
		ProtocolVersion: protocol.Version,
		ClientID:        c.cfg.ClientID,
		PolicyID:        c.cfg.PolicyID,
	}
	if err := session.WriteHello(conn, hello); err != nil {
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, ack.RejectionError()
	}
	_ = conn.SetDeadline(time.Time{})
	return session.New(conn, reader, c.cfg.Session, ack.SessionID), nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRejection reports whether the server explicitly turned the client away.
// Retrying those would just get the same answer.
func isRejection(err error) bool {
	return errors.Is(err, session.ErrHandshakeRejected) ||
		errors.Is(err, session.ErrPolicyUnavailable) ||
		errors.Is(err, session.ErrCapacityExceeded) ||
		errors.Is(err, session.ErrVersionMismatch)
}
