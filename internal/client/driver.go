package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robolab/teleopctl/internal/observability"
	"github.com/robolab/teleopctl/internal/protocol"
	"github.com/robolab/teleopctl/internal/protocol/session"
)

var (
	ErrDriverStarted  = errors.New("client: driver already started")
	ErrSensorRequired = errors.New("client: sensor required")
	ErrLinkRequired   = errors.New("client: link required")
)

// Link is the slice of the session surface the driver needs. *session.Session
// satisfies it.
type Link interface {
	Send(msg protocol.Message) error
	TryReceive() (protocol.Message, bool)
	Close() error
}

// Sensor produces one observation's worth of channel tensors per call.
type Sensor interface {
	Read(ctx context.Context) (map[string]protocol.Tensor, error)
}

// Actuator consumes the action chosen for the current tick.
type Actuator interface {
	Apply(ctx context.Context, act protocol.Action) error
}

type SensorFunc func(ctx context.Context) (map[string]protocol.Tensor, error)

func (f SensorFunc) Read(ctx context.Context) (map[string]protocol.Tensor, error) { return f(ctx) }

type ActuatorFunc func(ctx context.Context, act protocol.Action) error

func (f ActuatorFunc) Apply(ctx context.Context, act protocol.Action) error { return f(ctx, act) }

// DegradeMode selects what a stale driver commands the actuator with.
type DegradeMode int

const (
	// DegradeFailSafe applies a zeroed copy of the last applied action, or of
	// the configured FailSafeChannels before any action has arrived.
	DegradeFailSafe DegradeMode = iota
	// DegradeHold re-applies the last applied action until fresh ones arrive.
	DegradeHold
)

type DriverState int32

const (
	DriverIdle DriverState = iota
	DriverRunning
	DriverDegraded
	DriverStopping
	DriverStopped
)

func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "idle"
	case DriverRunning:
		return "running"
	case DriverDegraded:
		return "degraded"
	case DriverStopping:
		return "stopping"
	case DriverStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type DriverConfig struct {
	// Period is the control tick interval. Default 1/30s.
	Period time.Duration
	// StalenessTicks is how many consecutive ticks may pass without a fresh
	// action before the driver degrades. Default 3.
	StalenessTicks int
	DegradeMode    DegradeMode
	// FailSafeChannels gives fail-safe mode a command shape to zero before
	// any action has been applied, so the actuator is parked from the first
	// degraded tick instead of left at whatever pose it was powered on in.
	// Empty means degraded ticks before the first action are no-ops.
	FailSafeChannels map[string]protocol.Tensor
	// Instruction is an optional task prompt attached to every observation.
	Instruction string
	// MaxTicks bounds the run when > 0. Zero runs until Stop or ctx cancel.
	MaxTicks uint64
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.Period <= 0 {
		c.Period = time.Second / 30
	}
	if c.StalenessTicks <= 0 {
		c.StalenessTicks = 3
	}
	return c
}

// DriverStats is a point-in-time snapshot of the loop counters.
type DriverStats struct {
	Ticks          uint64
	Applied        uint64
	DegradedTicks  uint64
	Dropped        uint64
	Overruns       uint64
	LastAppliedSeq uint64
}

// Driver runs the fixed-rate control loop: read sensors, ship an
// observation, apply at most one fresh action per tick. Missed ticks are
// measured, never caught up on.
type Driver struct {
	cfg      DriverConfig
	link     Link
	sensor   Sensor
	actuator Actuator

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once

	ticks         atomic.Uint64
	applied       atomic.Uint64
	degradedTicks atomic.Uint64
	dropped       atomic.Uint64
	overruns      atomic.Uint64

	appliedSeq uint64
	lastAction protocol.Action

	log zerolog.Logger
}

func NewDriver(link Link, sensor Sensor, actuator Actuator, cfg DriverConfig) (*Driver, error) {
	if link == nil {
		return nil, ErrLinkRequired
	}
	if sensor == nil {
		return nil, ErrSensorRequired
	}
	if actuator == nil {
		actuator = ActuatorFunc(func(context.Context, protocol.Action) error { return nil })
	}
	return &Driver{
		cfg:      cfg.withDefaults(),
		link:     link,
		sensor:   sensor,
		actuator: actuator,
		stop:     make(chan struct{}),
		log:      log.With().Str("component", "driver").Logger(),
	}, nil
}

func (d *Driver) State() DriverState {
	return DriverState(d.state.Load())
}

func (d *Driver) Stats() DriverStats {
	return DriverStats{
		Ticks:          d.ticks.Load(),
		Applied:        d.applied.Load(),
		DegradedTicks:  d.degradedTicks.Load(),
		Dropped:        d.dropped.Load(),
		Overruns:       d.overruns.Load(),
		LastAppliedSeq: atomic.LoadUint64(&d.appliedSeq),
	}
}

// Stop asks a running loop to exit at the next tick boundary. Idempotent.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		d.state.CompareAndSwap(int32(DriverRunning), int32(DriverStopping))
		d.state.CompareAndSwap(int32(DriverDegraded), int32(DriverStopping))
		close(d.stop)
	})
}

// Run drives the loop until Stop, context cancellation, MaxTicks, or a
// fatal sensor/actuator/link error. On every exit path the session is
// closed before the driver settles in the stopped state. It may be called
// once per Driver.
func (d *Driver) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(DriverIdle), int32(DriverRunning)) {
		return ErrDriverStarted
	}
	defer func() {
		if err := d.link.Close(); err != nil {
			d.log.Warn().Err(err).Msg("session close failed")
		}
		d.state.Store(int32(DriverStopped))
	}()

	epoch := time.Now()
	next := epoch
	var seq uint64
	staleTicks := 0

	for {
		select {
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.cfg.MaxTicks > 0 && seq >= d.cfg.MaxTicks {
			return nil
		}

		tickStart := time.Now()
		seq++

		channels, err := d.sensor.Read(ctx)
		if err != nil {
			return fmt.Errorf("client: sensor read: %w", err)
		}
		obs := protocol.Observation{
			Seq:         seq,
			Timestamp:   uint64(time.Since(epoch).Nanoseconds()),
			Instruction: d.cfg.Instruction,
			Channels:    channels,
		}
		if err := d.link.Send(obs); err != nil {
			if errors.Is(err, session.ErrChannelFull) {
				d.dropped.Add(1)
				observability.RecordDroppedObservation()
			} else {
				return fmt.Errorf("client: send observation: %w", err)
			}
		}

		if act, ok := d.pumpInbound(); ok {
			staleTicks = 0
			if err := d.actuator.Apply(ctx, act); err != nil {
				return fmt.Errorf("client: apply action: %w", err)
			}
			d.lastAction = act
			atomic.StoreUint64(&d.appliedSeq, act.Seq)
			d.applied.Add(1)
			d.state.CompareAndSwap(int32(DriverDegraded), int32(DriverRunning))
		} else {
			staleTicks++
			if staleTicks >= d.cfg.StalenessTicks {
				if d.state.CompareAndSwap(int32(DriverRunning), int32(DriverDegraded)) {
					d.log.Warn().Uint64("tick", seq).Int("stale_ticks", staleTicks).Msg("no fresh action, degraded")
				}
				d.degradedTicks.Add(1)
				observability.RecordDegradedTick()
				if err := d.applyDegraded(ctx); err != nil {
					return fmt.Errorf("client: apply degraded action: %w", err)
				}
			}
		}
		d.ticks.Add(1)

		next = next.Add(d.cfg.Period)
		now := time.Now()
		if now.After(next) {
			d.overruns.Add(1)
			observability.RecordLoopOverrun()
			d.log.Debug().Uint64("tick", seq).Dur("took", now.Sub(tickStart)).Msg("tick overrun")
			next = now
			continue
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// pumpInbound drains everything the session has buffered and keeps the
// freshest action whose sequence advances past the last applied one. Stale
// or duplicate actions are discarded; error reports are logged and do not
// count as fresh.
func (d *Driver) pumpInbound() (protocol.Action, bool) {
	var best protocol.Action
	found := false
	for {
		msg, ok := d.link.TryReceive()
		if !ok {
			break
		}
		switch m := msg.(type) {
		case protocol.Action:
			if m.Seq <= atomic.LoadUint64(&d.appliedSeq) {
				continue
			}
			if !found || m.Seq > best.Seq {
				best = m
				found = true
			}
		case protocol.ErrorMessage:
			d.log.Warn().Uint64("seq", m.Seq).Uint32("code", m.Code).Str("message", m.Message).
				Msg("server reported inference error")
		}
	}
	return best, found
}

func (d *Driver) applyDegraded(ctx context.Context) error {
	if atomic.LoadUint64(&d.appliedSeq) == 0 {
		if d.cfg.DegradeMode == DegradeHold || len(d.cfg.FailSafeChannels) == 0 {
			return nil
		}
		return d.actuator.Apply(ctx, zeroedAction(protocol.Action{Channels: d.cfg.FailSafeChannels}))
	}
	switch d.cfg.DegradeMode {
	case DegradeHold:
		return d.actuator.Apply(ctx, d.lastAction)
	default:
		return d.actuator.Apply(ctx, zeroedAction(d.lastAction))
	}
}

// zeroedAction keeps the channel shapes of act but zeroes every payload,
// the neutral command for actuators that interpret zero as "stop".
func zeroedAction(act protocol.Action) protocol.Action {
	out := protocol.Action{
		Seq:       act.Seq,
		Timestamp: act.Timestamp,
	}
	if len(act.Channels) == 0 {
		return out
	}
	out.Channels = make(map[string]protocol.Tensor, len(act.Channels))
	for name, t := range act.Channels {
		out.Channels[name] = protocol.Tensor{
			Dtype: t.Dtype,
			Dims:  append([]uint32(nil), t.Dims...),
			Data:  make([]byte, len(t.Data)),
		}
	}
	return out
}
