package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robolab/teleopctl/internal/observability"
	"github.com/robolab/teleopctl/internal/policy"
	"github.com/robolab/teleopctl/internal/protocol"
	"github.com/robolab/teleopctl/internal/protocol/session"
)

var ErrListenAddrRequired = errors.New("server: listen address required")

type Config struct {
	ListenAddr    string
	MaxSessions   int
	SweepInterval time.Duration
	Session       session.Config
}

func DefaultServerConfig() Config {
	return Config{
		MaxSessions:   16,
		SweepInterval: defaultSweepInterval,
		Session:       session.DefaultConfig(),
	}
}

// Server accepts control-channel connections, runs the handshake against
// the registry, and pumps each session's observations into its dispatcher.
type Server struct {
	cfg      Config
	registry *Registry

	ln       net.Listener
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log zerolog.Logger
}

func NewServer(cfg Config, loader policy.Loader) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, ErrListenAddrRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	registry, err := NewRegistry(loader, cfg.MaxSessions, cfg.SweepInterval)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		stop:     make(chan struct{}),
		log:      log.With().Str("component", "server").Logger(),
	}, nil
}

func (s *Server) Registry() *Registry { return s.registry }

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

func (s *Server) Start() error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if s.cfg.Session.TLS.Enabled {
		tlsCfg, err := s.serverTLSConfig()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Shutdown stops accepting, closes every live session and waits for the
// per-connection goroutines to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.registry.Close()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.Session.TLS.CertFile, s.cfg.Session.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if s.cfg.Session.TLS.Mutual {
		caPEM, err := os.ReadFile(s.cfg.Session.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("server: parse tls ca bundle: %s", s.cfg.Session.TLS.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	br := bufio.NewReader(conn)

	hello, err := session.ReadHello(br)
	if err != nil {
		s.log.Warn().Str("remote", remote).Err(err).Msg("bad hello")
		observability.RecordHandshake("invalid")
		_ = conn.Close()
		return
	}

	if hello.ProtocolVersion != protocol.Version {
		s.reject(conn, session.HelloAck{
			Code:    session.CodeVersionMismatch,
			Message: fmt.Sprintf("server speaks protocol %d", protocol.Version),
		}, "version_mismatch")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.HandshakeTimeout)
	id, pol, err := s.registry.Admit(ctx, hello)
	cancel()
	if err != nil {
		s.reject(conn, session.HelloAck{
			Code:    rejectionCode(err),
			Message: err.Error(),
		}, rejectionOutcome(err))
		return
	}

	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		Code:        session.CodeOK,
		SessionID:   id,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	// The accepted ack is the last control line on this conn; everything
	// after it is framed traffic, so nothing below may write JSON.
	if err := session.WriteHelloAck(conn, ack); err != nil {
		s.log.Warn().Str("remote", remote).Err(err).Msg("ack write failed")
		_ = pol.Close()
		s.registry.Release()
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	sess := session.New(conn, br, s.cfg.Session, id)
	disp := NewDispatcher(sess, pol, id)
	s.registry.Register(id, sess, disp, pol, hello, remote)
	observability.RecordHandshake("accepted")

	s.serveSession(id, sess, disp)
}

// serveSession pumps inbound observations into the dispatcher until the
// session dies or the server shuts down. Malformed traffic closes only the
// offending session.
func (s *Server) serveSession(id string, sess *session.Session, disp *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := sess.Receive(ctx)
		if err != nil {
			if !errors.Is(err, session.ErrNotConnected) && !errors.Is(err, context.Canceled) {
				s.log.Info().Str("session", id).Err(err).Msg("session receive ended")
			}
			break
		}
		switch m := msg.(type) {
		case protocol.Observation:
			disp.Submit(m)
		case protocol.ErrorMessage:
			s.log.Warn().Str("session", id).Uint32("code", m.Code).Str("message", m.Message).
				Msg("client reported error")
		default:
			s.log.Debug().Str("session", id).Str("kind", fmt.Sprintf("%T", m)).Msg("ignoring message")
		}
	}
	_ = s.registry.Unregister(id)
}

func (s *Server) reject(conn net.Conn, ack session.HelloAck, outcome string) {
	ack.Status = session.AckStatusRejected
	ack.TimestampMS = uint64(time.Now().UnixMilli())
	if err := session.WriteHelloAck(conn, ack); err != nil {
		s.log.Warn().Err(err).Msg("reject write failed")
	}
	observability.RecordHandshake(outcome)
	_ = conn.Close()
}

func rejectionCode(err error) uint32 {
	switch {
	case errors.Is(err, session.ErrPolicyUnavailable):
		return session.CodePolicyUnavailable
	case errors.Is(err, session.ErrCapacityExceeded):
		return session.CodeCapacityExceeded
	case errors.Is(err, session.ErrVersionMismatch):
		return session.CodeVersionMismatch
	default:
		return session.CodePolicyUnavailable
	}
}

func rejectionOutcome(err error) string {
	switch {
	case errors.Is(err, session.ErrPolicyUnavailable):
		return "policy_unavailable"
	case errors.Is(err, session.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, session.ErrVersionMismatch):
		return "version_mismatch"
	default:
		return "rejected"
	}
}
