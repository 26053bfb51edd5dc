// Package policy defines the opaque inference contract the control channel
// dispatches into. The numeric model behind it is somebody else's problem;
// the channel only needs Infer to turn one observation into one action.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robolab/teleopctl/internal/protocol"
)

var (
	ErrPolicyUnavailable = errors.New("policy: unavailable")
	ErrInferenceFailed   = errors.New("policy: inference failed")
)

// Policy is one loaded, session-owned inference handle. Implementations may
// be stateful (action history etc.); a handle is never shared across
// sessions.
type Policy interface {
	Infer(ctx context.Context, obs protocol.Observation) (protocol.Action, error)
	Close() error
}

// Loader produces a fresh Policy handle for a policy identifier. Load
// failures surface to the connecting client as a rejected handshake.
type Loader interface {
	Load(ctx context.Context, id string) (Policy, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, id string) (Policy, error)

func (f LoaderFunc) Load(ctx context.Context, id string) (Policy, error) {
	return f(ctx, id)
}

// InferFunc adapts a bare inference function to a stateless Policy.
type InferFunc func(ctx context.Context, obs protocol.Observation) (protocol.Action, error)

func (f InferFunc) Infer(ctx context.Context, obs protocol.Observation) (protocol.Action, error) {
	return f(ctx, obs)
}

func (f InferFunc) Close() error { return nil }

// ZeroPolicy returns all-zero actions shaped by Dims for every request. It
// stands in for a real inference backend in development and tests, the same
// neutral command a degraded driver falls back to.
type ZeroPolicy struct {
	Channel string
	Dims    []uint32
}

func (p ZeroPolicy) Infer(_ context.Context, obs protocol.Observation) (protocol.Action, error) {
	channel := p.Channel
	if channel == "" {
		channel = "action"
	}
	dims := p.Dims
	if len(dims) == 0 {
		dims = []uint32{7}
	}
	elems := uint32(1)
	for _, d := range dims {
		elems *= d
	}
	return protocol.Action{
		Seq: obs.Seq,
		Channels: map[string]protocol.Tensor{
			channel: {
				Dtype: protocol.DtypeFloat32,
				Dims:  append([]uint32(nil), dims...),
				Data:  make([]byte, 4*elems),
			},
		},
	}, nil
}

func (p ZeroPolicy) Close() error { return nil }

// PathLoader resolves policy identifiers against artifacts that a
// provisioning step has already placed on local storage. It validates the
// artifact exists and hands back a development handle; a real backend
// replaces the handle construction, not the lookup.
type PathLoader struct {
	Root string
}

func (l PathLoader) Load(_ context.Context, id string) (Policy, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty policy id", ErrPolicyUnavailable)
	}
	path := id
	if l.Root != "" {
		path = filepath.Join(l.Root, id)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPolicyUnavailable, id, err)
	}
	return ZeroPolicy{}, nil
}

// StaticLoader serves a fixed identifier set from memory. Tests and the
// development server use it to avoid touching disk.
type StaticLoader struct {
	Policies map[string]func() Policy
}

func (l StaticLoader) Load(_ context.Context, id string) (Policy, error) {
	construct, ok := l.Policies[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyUnavailable, id)
	}
	return construct(), nil
}
