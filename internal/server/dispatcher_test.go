package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robolab/teleopctl/internal/policy"
	"github.com/robolab/teleopctl/internal/protocol"
	"github.com/robolab/teleopctl/internal/testutil/testlog"
)

type fakeSink struct {
	mu    sync.Mutex
	sent  []protocol.Message
	epoch time.Time
}

func newFakeSink() *fakeSink {
	return &fakeSink{epoch: time.Now()}
}

func (s *fakeSink) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSink) MonotonicNow() uint64 {
	return uint64(time.Since(s.epoch).Nanoseconds())
}

func (s *fakeSink) snapshot() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSink) waitFor(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sink never reached %d messages, have %d", n, len(s.snapshot()))
	return nil
}

func obsWithSeq(seq uint64) protocol.Observation {
	return protocol.Observation{
		Seq: seq,
		Channels: map[string]protocol.Tensor{
			"joint_pos": {Dtype: protocol.DtypeFloat32, Dims: []uint32{6}, Data: make([]byte, 24)},
		},
	}
}

func TestDispatcherCoalescesBacklog(t *testing.T) {
	testlog.Start(t)

	started := make(chan uint64, 4)
	release := make(chan struct{})
	pol := policy.InferFunc(func(_ context.Context, obs protocol.Observation) (protocol.Action, error) {
		started <- obs.Seq
		<-release
		return protocol.Action{}, nil
	})
	sink := newFakeSink()
	d := NewDispatcher(sink, pol, "test")
	defer d.Close()

	d.Submit(obsWithSeq(1))
	if seq := <-started; seq != 1 {
		t.Fatalf("first inference saw seq %d, want 1", seq)
	}

	// A hundred observations pile up behind one slow inference. Only the
	// newest survives; the rest are superseded without ever reaching the
	// policy.
	for seq := uint64(2); seq <= 100; seq++ {
		d.Submit(obsWithSeq(seq))
	}
	release <- struct{}{}

	if seq := <-started; seq != 100 {
		t.Fatalf("second inference saw seq %d, want 100", seq)
	}
	release <- struct{}{}

	sink.waitFor(t, 2)
	if got := d.Dispatched(); got != 2 {
		t.Fatalf("Dispatched = %d, want 2", got)
	}
	if got := d.Superseded(); got != 98 {
		t.Fatalf("Superseded = %d, want 98", got)
	}
}

func TestDispatcherStampsActionMetadata(t *testing.T) {
	testlog.Start(t)

	pol := policy.InferFunc(func(_ context.Context, obs protocol.Observation) (protocol.Action, error) {
		time.Sleep(2 * time.Millisecond)
		return protocol.Action{
			Channels: map[string]protocol.Tensor{
				"action": {Dtype: protocol.DtypeFloat32, Dims: []uint32{7}, Data: make([]byte, 28)},
			},
		}, nil
	})
	sink := newFakeSink()
	d := NewDispatcher(sink, pol, "test")
	defer d.Close()

	d.Submit(obsWithSeq(42))
	msgs := sink.waitFor(t, 1)

	act, ok := msgs[0].(protocol.Action)
	if !ok {
		t.Fatalf("sink got %T, want Action", msgs[0])
	}
	if act.Seq != 42 {
		t.Fatalf("action seq %d, want 42 (echo of observation)", act.Seq)
	}
	if act.ComputeLatencyNS == 0 {
		t.Fatal("compute latency not stamped")
	}
}

func TestDispatcherReportsInferenceErrors(t *testing.T) {
	testlog.Start(t)

	inferErr := errors.New("model exploded")
	pol := policy.InferFunc(func(_ context.Context, obs protocol.Observation) (protocol.Action, error) {
		if obs.Seq == 1 {
			return protocol.Action{}, inferErr
		}
		return protocol.Action{}, nil
	})
	sink := newFakeSink()
	d := NewDispatcher(sink, pol, "test")
	defer d.Close()

	d.Submit(obsWithSeq(1))
	msgs := sink.waitFor(t, 1)

	report, ok := msgs[0].(protocol.ErrorMessage)
	if !ok {
		t.Fatalf("sink got %T, want ErrorMessage", msgs[0])
	}
	if report.Code != protocol.CodeInferenceFailed {
		t.Fatalf("error code %d, want CodeInferenceFailed", report.Code)
	}
	if report.Seq != 1 {
		t.Fatalf("error seq %d, want 1", report.Seq)
	}

	// The dispatcher keeps working after a failure.
	d.Submit(obsWithSeq(2))
	msgs = sink.waitFor(t, 2)
	if _, ok := msgs[1].(protocol.Action); !ok {
		t.Fatalf("second message is %T, want Action", msgs[1])
	}
	if got := d.Failures(); got != 1 {
		t.Fatalf("Failures = %d, want 1", got)
	}
}
