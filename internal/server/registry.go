package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robolab/teleopctl/internal/observability"
	"github.com/robolab/teleopctl/internal/policy"
	"github.com/robolab/teleopctl/internal/protocol/session"
)

var (
	ErrLoaderRequired = errors.New("server: policy loader required")
	ErrUnknownSession = errors.New("server: unknown session")
)

const defaultSweepInterval = time.Second

// SessionInfo is the admin-facing view of one registered session.
type SessionInfo struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	PolicyID   string    `json:"policy_id"`
	RemoteAddr string    `json:"remote_addr"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Dispatched uint64    `json:"dispatched"`
	Superseded uint64    `json:"superseded"`
	Failures   uint64    `json:"failures"`
}

type registryEntry struct {
	sess       *session.Session
	disp       *Dispatcher
	pol        policy.Policy
	clientID   string
	policyID   string
	remoteAddr string
	startedAt  time.Time
}

// Registry tracks live sessions, enforces the capacity limit, owns the
// policy handle lifetime, and sweeps out sessions whose transport has
// closed underneath them.
type Registry struct {
	loader      policy.Loader
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*registryEntry
	pending  int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	log zerolog.Logger
}

func NewRegistry(loader policy.Loader, maxSessions int, sweepInterval time.Duration) (*Registry, error) {
	if loader == nil {
		return nil, ErrLoaderRequired
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	r := &Registry{
		loader:      loader,
		maxSessions: maxSessions,
		sessions:    make(map[string]*registryEntry),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		log:         log.With().Str("component", "registry").Logger(),
	}
	go r.sweepLoop(sweepInterval)
	return r, nil
}

// Admit reserves a capacity slot and loads the requested policy. The
// reservation is held until Register claims it or Release gives it back, so
// two racing handshakes can never both pass a last-slot check. Capacity is
// checked before the load so a full server never pays for a policy it will
// not use. On success the caller owns the returned handle until Register.
func (r *Registry) Admit(ctx context.Context, hello session.Hello) (string, policy.Policy, error) {
	r.mu.Lock()
	occupied := len(r.sessions) + r.pending
	if r.maxSessions > 0 && occupied >= r.maxSessions {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %d sessions", session.ErrCapacityExceeded, occupied)
	}
	r.pending++
	r.mu.Unlock()

	pol, err := r.loader.Load(ctx, hello.PolicyID)
	if err != nil {
		r.Release()
		if errors.Is(err, policy.ErrPolicyUnavailable) {
			return "", nil, fmt.Errorf("%w: %v", session.ErrPolicyUnavailable, err)
		}
		return "", nil, err
	}
	return uuid.NewString(), pol, nil
}

// Release gives back an Admit reservation whose handshake never completed.
func (r *Registry) Release() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()
}

// Register binds an admitted session to the registry, claiming the slot
// reserved by Admit. It cannot fail: capacity was settled at Admit time.
func (r *Registry) Register(id string, sess *session.Session, disp *Dispatcher, pol policy.Policy, hello session.Hello, remoteAddr string) {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.sessions[id] = &registryEntry{
		sess:       sess,
		disp:       disp,
		pol:        pol,
		clientID:   hello.ClientID,
		policyID:   hello.PolicyID,
		remoteAddr: remoteAddr,
		startedAt:  time.Now(),
	}
	r.mu.Unlock()

	observability.SessionOpened()
	r.log.Info().Str("session", id).Str("client", hello.ClientID).Str("policy", hello.PolicyID).Msg("session registered")
}

// Unregister tears one session down: dispatcher drained, transport closed,
// policy handle released. Safe to call more than once.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	entry, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	entry.disp.Close()
	_ = entry.sess.Close()
	if err := entry.pol.Close(); err != nil {
		r.log.Warn().Str("session", id).Err(err).Msg("policy close failed")
	}
	observability.SessionClosed()

	if reason := entry.sess.CloseReason(); errors.Is(reason, session.ErrHeartbeatTimeout) {
		observability.RecordHeartbeatTimeout()
	}
	r.log.Info().Str("session", id).Str("client", entry.clientID).Msg("session unregistered")
	return nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, SessionInfo{
			ID:         id,
			ClientID:   e.clientID,
			PolicyID:   e.policyID,
			RemoteAddr: e.remoteAddr,
			State:      e.sess.State().String(),
			StartedAt:  e.startedAt,
			Dispatched: e.disp.Dispatched(),
			Superseded: e.disp.Superseded(),
			Failures:   e.disp.Failures(),
		})
	}
	r.mu.Unlock()
	return out
}

// Close stops the sweeper and unregisters every remaining session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		for _, id := range r.ids() {
			_ = r.Unregister(id)
		}
	})
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep reclaims sessions whose transport closed without the serve loop
// noticing, heartbeat-starved peers included.
func (r *Registry) sweep() {
	r.mu.Lock()
	var dead []string
	for id, e := range r.sessions {
		if e.sess.State() == session.StateClosed {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()
	for _, id := range dead {
		r.log.Info().Str("session", id).Msg("sweeping closed session")
		_ = r.Unregister(id)
	}
}
