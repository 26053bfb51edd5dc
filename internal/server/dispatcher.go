// Package server hosts policies behind the control channel: it accepts
// connections, runs the session handshake against a registry, and feeds
// observations through per-session dispatchers into policy inference.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robolab/teleopctl/internal/observability"
	"github.com/robolab/teleopctl/internal/policy"
	"github.com/robolab/teleopctl/internal/protocol"
)

// actionSink is the slice of the session the dispatcher writes results to.
type actionSink interface {
	Send(msg protocol.Message) error
	MonotonicNow() uint64
}

// Dispatcher serializes inference for one session: at most one Infer call
// in flight, at most one observation pending. A newer observation arriving
// while one is pending replaces it; the replaced one is never inferred.
type Dispatcher struct {
	sink actionSink
	pol  policy.Policy

	mu      sync.Mutex
	pending *protocol.Observation
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	dispatched atomic.Uint64
	superseded atomic.Uint64
	failures   atomic.Uint64

	log zerolog.Logger
}

func NewDispatcher(sink actionSink, pol policy.Policy, sessionID string) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:   sink,
		pol:    pol,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log.With().Str("session", sessionID).Str("component", "dispatcher").Logger(),
	}
	go d.worker(ctx)
	return d
}

// Submit hands one observation to the inference worker without blocking.
// Whatever was still waiting is superseded.
func (d *Dispatcher) Submit(obs protocol.Observation) {
	d.mu.Lock()
	if d.pending != nil {
		d.superseded.Add(1)
		observability.RecordSupersededObservation()
	}
	d.pending = &obs
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Dispatched counts observations actually handed to the policy.
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }

// Superseded counts observations replaced before inference saw them.
func (d *Dispatcher) Superseded() uint64 { return d.superseded.Load() }

// Failures counts inference calls that returned an error.
func (d *Dispatcher) Failures() uint64 { return d.failures.Load() }

// Close stops the worker and waits for any in-flight inference to return.
// It does not close the policy handle; the registry owns that.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.done
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			obs := d.pending
			d.pending = nil
			d.mu.Unlock()
			if obs == nil {
				break
			}
			d.infer(ctx, *obs)
		}
	}
}

func (d *Dispatcher) infer(ctx context.Context, obs protocol.Observation) {
	d.dispatched.Add(1)
	start := time.Now()
	act, err := d.pol.Infer(ctx, obs)
	latency := time.Since(start)
	observability.ObserveInferenceLatency(latency)

	if err != nil {
		d.failures.Add(1)
		observability.RecordInferenceError()
		d.log.Warn().Uint64("seq", obs.Seq).Err(err).Msg("inference failed")
		report := protocol.ErrorMessage{
			Seq:       obs.Seq,
			Timestamp: d.sink.MonotonicNow(),
			Code:      protocol.CodeInferenceFailed,
			Message:   err.Error(),
		}
		if sendErr := d.sink.Send(report); sendErr != nil {
			d.log.Warn().Err(sendErr).Msg("error report not sent")
		}
		return
	}

	act.Seq = obs.Seq
	act.Timestamp = d.sink.MonotonicNow()
	act.ComputeLatencyNS = uint64(latency.Nanoseconds())
	if err := d.sink.Send(act); err != nil {
		d.log.Warn().Uint64("seq", obs.Seq).Err(err).Msg("action not sent")
	}
}
