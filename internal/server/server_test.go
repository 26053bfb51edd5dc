package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/robolab/teleopctl/internal/policy"
	"github.com/robolab/teleopctl/internal/protocol"
	"github.com/robolab/teleopctl/internal/protocol/session"
	"github.com/robolab/teleopctl/internal/testutil/testlog"
)

// countingLoader tracks policy handle lifetimes so tests can assert the
// registry releases what it loads.
type countingLoader struct {
	mu     sync.Mutex
	opened int
	closed int
	infer  policy.InferFunc
}

func newCountingLoader(infer policy.InferFunc) *countingLoader {
	if infer == nil {
		infer = func(_ context.Context, obs protocol.Observation) (protocol.Action, error) {
			return protocol.Action{
				Channels: map[string]protocol.Tensor{
					"action": {Dtype: protocol.DtypeFloat32, Dims: []uint32{7}, Data: make([]byte, 28)},
				},
			}, nil
		}
	}
	return &countingLoader{infer: infer}
}

func (l *countingLoader) Load(_ context.Context, id string) (policy.Policy, error) {
	if id != "act_so100" {
		return nil, policy.ErrPolicyUnavailable
	}
	l.mu.Lock()
	l.opened++
	l.mu.Unlock()
	return &countedPolicy{loader: l}, nil
}

func (l *countingLoader) counts() (opened, closed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened, l.closed
}

type countedPolicy struct {
	loader *countingLoader
}

func (p *countedPolicy) Infer(ctx context.Context, obs protocol.Observation) (protocol.Action, error) {
	return p.loader.infer(ctx, obs)
}

func (p *countedPolicy) Close() error {
	p.loader.mu.Lock()
	p.loader.closed++
	p.loader.mu.Unlock()
	return nil
}

func fastServerConfig() Config {
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.Session.HeartbeatInterval = 20 * time.Millisecond
	cfg.Session.MissedHeartbeats = 3
	cfg.Session.DegradedGrace = 40 * time.Millisecond
	cfg.Session.ReadTimeout = time.Second
	cfg.Session.HandshakeTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config, loader policy.Loader) *Server {
	t.Helper()
	srv, err := NewServer(cfg, loader)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func doHandshake(t *testing.T, addr, policyID string) (net.Conn, *bufio.Reader, session.HelloAck) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	br := bufio.NewReader(conn)
	hello := session.Hello{
		ProtocolVersion: protocol.Version,
		ClientID:        "test-robot",
		PolicyID:        policyID,
	}
	if err := session.WriteHello(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := session.ReadHelloAck(br)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return conn, br, ack
}

func connectSession(t *testing.T, addr string, cfg session.Config) *session.Session {
	t.Helper()
	conn, br, ack := doHandshake(t, addr, "act_so100")
	if ack.Status != session.AckStatusAccepted {
		_ = conn.Close()
		t.Fatalf("handshake rejected: code=%d message=%q", ack.Code, ack.Message)
	}
	sess := session.New(conn, br, cfg, ack.SessionID)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func waitForCount(t *testing.T, reg *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry count never reached %d, have %d", want, reg.Count())
}

func TestServerEndToEndInference(t *testing.T) {
	testlog.Start(t)

	loader := newCountingLoader(nil)
	srv := startServer(t, fastServerConfig(), loader)

	sess := connectSession(t, srv.Addr(), fastServerConfig().Session)
	waitForCount(t, srv.Registry(), 1)

	if err := sess.Send(obsWithSeq(1)); err != nil {
		t.Fatalf("send observation: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	act, ok := msg.(protocol.Action)
	if !ok {
		t.Fatalf("received %T, want Action", msg)
	}
	if act.Seq != 1 {
		t.Fatalf("action seq %d, want 1", act.Seq)
	}
	if _, ok := act.Channels["action"]; !ok {
		t.Fatal("action channel missing from inference result")
	}
}

func TestServerRejectsUnknownPolicy(t *testing.T) {
	testlog.Start(t)

	loader := newCountingLoader(nil)
	srv := startServer(t, fastServerConfig(), loader)

	conn, _, ack := doHandshake(t, srv.Addr(), "no-such-policy")
	defer conn.Close()

	if ack.Status != session.AckStatusRejected {
		t.Fatalf("ack status %q, want rejected", ack.Status)
	}
	if ack.Code != session.CodePolicyUnavailable {
		t.Fatalf("ack code %d, want CodePolicyUnavailable", ack.Code)
	}
	if got := srv.Registry().Count(); got != 0 {
		t.Fatalf("registry count %d after rejection, want 0", got)
	}
	opened, _ := loader.counts()
	if opened != 0 {
		t.Fatalf("loader opened %d handles for unknown policy, want 0", opened)
	}
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, fastServerConfig(), newCountingLoader(nil))

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	hello := session.Hello{ProtocolVersion: protocol.Version + 1, ClientID: "r", PolicyID: "act_so100"}
	if err := session.WriteHello(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := session.ReadHelloAck(br)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Status != session.AckStatusRejected || ack.Code != session.CodeVersionMismatch {
		t.Fatalf("ack = %+v, want rejected with CodeVersionMismatch", ack)
	}
}

func TestServerEnforcesCapacity(t *testing.T) {
	testlog.Start(t)

	cfg := fastServerConfig()
	cfg.MaxSessions = 1
	loader := newCountingLoader(nil)
	srv := startServer(t, cfg, loader)

	first := connectSession(t, srv.Addr(), cfg.Session)
	waitForCount(t, srv.Registry(), 1)

	conn, _, ack := doHandshake(t, srv.Addr(), "act_so100")
	_ = conn.Close()
	if ack.Status != session.AckStatusRejected || ack.Code != session.CodeCapacityExceeded {
		t.Fatalf("second handshake ack = %+v, want rejected with CodeCapacityExceeded", ack)
	}

	// Freeing the slot admits the next client.
	_ = first.Close()
	waitForCount(t, srv.Registry(), 0)
	_ = connectSession(t, srv.Addr(), cfg.Session)
	waitForCount(t, srv.Registry(), 1)
}

func TestRegistryAdmitReservesCapacitySlot(t *testing.T) {
	testlog.Start(t)

	loader := newCountingLoader(nil)
	reg, err := NewRegistry(loader, 1, time.Minute)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	hello := session.Hello{ProtocolVersion: 1, ClientID: "r", PolicyID: "act_so100"}
	ctx := context.Background()

	_, pol, err := reg.Admit(ctx, hello)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	defer pol.Close()

	// The first admission holds the only slot even though nothing is
	// registered yet; a concurrent handshake must lose here, not after its
	// accepted ack has gone out.
	if _, _, err := reg.Admit(ctx, hello); !errors.Is(err, session.ErrCapacityExceeded) {
		t.Fatalf("second Admit returned %v, want ErrCapacityExceeded", err)
	}
	if got := reg.Count(); got != 0 {
		t.Fatalf("registry count %d with only reservations, want 0", got)
	}

	// An abandoned handshake gives its slot back.
	reg.Release()
	_, pol2, err := reg.Admit(ctx, hello)
	if err != nil {
		t.Fatalf("Admit after Release: %v", err)
	}
	_ = pol2.Close()
}

func TestRegistryAdmitReleasesSlotOnLoadFailure(t *testing.T) {
	testlog.Start(t)

	reg, err := NewRegistry(newCountingLoader(nil), 1, time.Minute)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	ctx := context.Background()
	bad := session.Hello{ProtocolVersion: 1, ClientID: "r", PolicyID: "no-such-policy"}
	if _, _, err := reg.Admit(ctx, bad); !errors.Is(err, session.ErrPolicyUnavailable) {
		t.Fatalf("Admit returned %v, want ErrPolicyUnavailable", err)
	}

	// The failed load must not leak its reservation.
	good := session.Hello{ProtocolVersion: 1, ClientID: "r", PolicyID: "act_so100"}
	_, pol, err := reg.Admit(ctx, good)
	if err != nil {
		t.Fatalf("Admit after failed load: %v", err)
	}
	_ = pol.Close()
}

func TestServerReclaimsStarvedSessions(t *testing.T) {
	testlog.Start(t)

	loader := newCountingLoader(nil)
	srv := startServer(t, fastServerConfig(), loader)

	// Handshake and then go silent: no heartbeats, no frames. The server
	// side must degrade, close, and sweep the session on its own.
	conn, _, ack := doHandshake(t, srv.Addr(), "act_so100")
	defer conn.Close()
	if ack.Status != session.AckStatusAccepted {
		t.Fatalf("handshake rejected: %+v", ack)
	}
	go func() { _, _ = io.Copy(io.Discard, conn) }()

	waitForCount(t, srv.Registry(), 1)
	waitForCount(t, srv.Registry(), 0)

	opened, closed := loader.counts()
	if opened != 1 || closed != 1 {
		t.Fatalf("policy handles opened=%d closed=%d, want 1/1", opened, closed)
	}
}

func TestServerInferenceErrorKeepsSessionAlive(t *testing.T) {
	testlog.Start(t)

	inferErr := errors.New("checkpoint missing tensor")
	loader := newCountingLoader(func(_ context.Context, obs protocol.Observation) (protocol.Action, error) {
		if obs.Seq == 1 {
			return protocol.Action{}, inferErr
		}
		return protocol.Action{
			Channels: map[string]protocol.Tensor{
				"action": {Dtype: protocol.DtypeFloat32, Dims: []uint32{7}, Data: make([]byte, 28)},
			},
		}, nil
	})
	srv := startServer(t, fastServerConfig(), loader)

	sess := connectSession(t, srv.Addr(), fastServerConfig().Session)
	waitForCount(t, srv.Registry(), 1)

	if err := sess.Send(obsWithSeq(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	report, ok := msg.(protocol.ErrorMessage)
	if !ok {
		t.Fatalf("received %T, want ErrorMessage", msg)
	}
	if report.Code != protocol.CodeInferenceFailed {
		t.Fatalf("error code %d, want CodeInferenceFailed", report.Code)
	}

	// One failed inference must not tear the session down.
	if err := sess.Send(obsWithSeq(2)); err != nil {
		t.Fatalf("send after failure: %v", err)
	}
	msg, err = sess.Receive(ctx)
	if err != nil {
		t.Fatalf("receive after failure: %v", err)
	}
	if act, ok := msg.(protocol.Action); !ok || act.Seq != 2 {
		t.Fatalf("received %#v, want Action seq=2", msg)
	}
	if got := srv.Registry().Count(); got != 1 {
		t.Fatalf("registry count %d after inference error, want 1", got)
	}
}

func TestServerShutdownDrainsSessions(t *testing.T) {
	testlog.Start(t)

	loader := newCountingLoader(nil)
	srv := startServer(t, fastServerConfig(), loader)

	_ = connectSession(t, srv.Addr(), fastServerConfig().Session)
	waitForCount(t, srv.Registry(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := srv.Registry().Count(); got != 0 {
		t.Fatalf("registry count %d after shutdown, want 0", got)
	}
	opened, closed := loader.counts()
	if opened != closed {
		t.Fatalf("policy handles opened=%d closed=%d after shutdown", opened, closed)
	}
}
