package session

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robolab/teleopctl/internal/protocol"
)

// State is the transport connection state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live framed exchange over an established, handshaken
// connection. The same type runs on both ends.
type Session struct {
	id    string
	conn  net.Conn
	br    *bufio.Reader
	cfg   Config
	epoch time.Time

	out     *outboundRing
	wake    chan struct{}
	inbound chan protocol.Message

	stop      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	writeMu sync.Mutex

	state      atomic.Int32
	lastSend   atomic.Int64
	lastRecv   atomic.Int64
	highestAck atomic.Uint64
	hbSeq      atomic.Uint64

	wg  sync.WaitGroup
	log zerolog.Logger
}

// New wraps an already-handshaken connection and starts the session's
// writer, reader and heartbeat tasks. br carries any bytes the handshake
// reader buffered past the hello exchange; pass nil when there is none.
func New(conn net.Conn, br *bufio.Reader, cfg Config, id string) *Session {
	cfg = cfg.WithDefaults()
	if br == nil {
		br = bufio.NewReader(conn)
	}
	now := time.Now()
	s := &Session{
		id:      id,
		conn:    conn,
		br:      br,
		cfg:     cfg,
		epoch:   now,
		out:     newOutboundRing(cfg.OutboundBuffer),
		wake:    make(chan struct{}, 1),
		inbound: make(chan protocol.Message, cfg.InboundBuffer),
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
		log:     log.With().Str("session", id).Logger(),
	}
	s.state.Store(int32(StateConnecting))
	s.lastSend.Store(now.UnixNano())
	s.lastRecv.Store(now.UnixNano())

	s.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go s.heartbeatLoop()

	s.state.Store(int32(StateActive))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	return State(s.state.Load())
}

// MonotonicNow is nanoseconds since this session started, on the local
// clock. Message timestamps use this scale.
func (s *Session) MonotonicNow() uint64 {
	return uint64(time.Since(s.epoch).Nanoseconds())
}

func (s *Session) LastSendAt() time.Time { return time.Unix(0, s.lastSend.Load()) }
func (s *Session) LastRecvAt() time.Time { return time.Unix(0, s.lastRecv.Load()) }

// HighestAcked is the highest sequence number seen from the peer.
func (s *Session) HighestAcked() uint64 { return s.highestAck.Load() }

// DroppedObservations counts outbound observations discarded by the
// buffer's drop policy.
func (s *Session) DroppedObservations() uint64 { return s.out.droppedCount() }

// CloseReason reports why the session closed, nil for an explicit Close.
func (s *Session) CloseReason() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Send enqueues one outbound message without blocking. A full buffer evicts
// the oldest queued Observation; if nothing is evictable the send fails with
// ErrChannelFull, which is non-fatal for observations.
func (s *Session) Send(msg protocol.Message) error {
	select {
	case <-s.stop:
		return ErrNotConnected
	default:
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if uint32(len(data)) > s.cfg.MaxFrameBytes {
		return protocol.ErrFrameTooLarge
	}
	if err := s.out.push(outFrame{kind: msg.MessageKind(), data: data}); err != nil {
		return err
	}
	s.signal()
	return nil
}

// Receive blocks until the next inbound application message, context
// expiry, or session close. Heartbeats are consumed internally and never
// surface here.
func (s *Session) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	case <-s.closed:
		select {
		case msg := <-s.inbound:
			return msg, nil
		default:
		}
		if s.closeErr != nil {
			return nil, s.closeErr
		}
		return nil, ErrNotConnected
	}
}

// TryReceive is the non-blocking variant used by tick-paced callers.
func (s *Session) TryReceive() (protocol.Message, bool) {
	select {
	case msg := <-s.inbound:
		return msg, true
	default:
		return nil, false
	}
}

// Close is idempotent. Pending critical frames are flushed best-effort, the
// connection is released, and any goroutine parked in Receive or the
// session's own loops is unblocked.
func (s *Session) Close() error {
	s.closeWith(nil)
	s.wg.Wait()
	return nil
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.stop)
		for _, data := range s.out.drainCritical() {
			if err := s.writeFrame(data); err != nil {
				break
			}
		}
		s.closeErr = cause
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))
		close(s.closed)
		event := s.log.Info()
		if cause != nil {
			event = s.log.Warn().Err(cause)
		}
		event.Msg("session closed")
	})
}

// fail tears the session down from inside a loop.
func (s *Session) fail(cause error) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.closeWith(cause)
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) writeFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			f, ok := s.out.pop()
			if !ok {
				break
			}
			if err := s.writeFrame(f.data); err != nil {
				s.fail(classifyNetErr(err))
				return
			}
			s.lastSend.Store(time.Now().UnixNano())
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := protocol.ReadMessage(s.br, s.cfg.MaxFrameBytes)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.fail(classifyReadErr(err))
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())
		s.state.CompareAndSwap(int32(StateDegraded), int32(StateActive))

		if msg.MessageKind() == protocol.KindHeartbeat {
			continue
		}
		if seq := msg.Sequence(); seq > s.highestAck.Load() {
			s.highestAck.Store(seq)
		}
		select {
		case s.inbound <- msg:
		case <-s.stop:
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()

		if now.Sub(s.LastSendAt()) >= s.cfg.HeartbeatInterval {
			hb := protocol.Heartbeat{Seq: s.hbSeq.Add(1), Timestamp: s.MonotonicNow()}
			if err := s.Send(hb); err != nil && !errors.Is(err, ErrChannelFull) {
				return
			}
		}

		idle := now.Sub(s.LastRecvAt())
		if idle >= s.cfg.deadWindow()+s.cfg.DegradedGrace {
			s.log.Warn().Dur("idle", idle).Msg("peer silent past grace window")
			s.fail(ErrHeartbeatTimeout)
			return
		}
		if idle >= s.cfg.deadWindow() {
			if s.state.CompareAndSwap(int32(StateActive), int32(StateDegraded)) {
				s.log.Warn().Dur("idle", idle).Msg("session degraded")
			}
		}
	}
}

// classifyReadErr maps a read failure onto the error taxonomy. Codec errors
// pass through unchanged so callers can close the offending session on
// ErrMalformedFrame and friends.
func classifyReadErr(err error) error {
	if errors.Is(err, protocol.ErrMalformedFrame) ||
		errors.Is(err, protocol.ErrUnsupportedVersion) ||
		errors.Is(err, protocol.ErrUnknownDtype) ||
		errors.Is(err, protocol.ErrUnknownMessageKind) ||
		errors.Is(err, protocol.ErrFrameTooLarge) {
		return err
	}
	return classifyNetErr(err)
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
