package session

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/robolab/teleopctl/internal/protocol"
)

type outFrame struct {
	kind protocol.Kind
	data []byte
}

// outboundRing is the bounded send buffer. Observation frames are droppable
// because a stale observation is worthless; heartbeat, action and error
// frames are never dropped.
type outboundRing struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
	dropped  uint64
}

func newOutboundRing(capacity int) *outboundRing {
	return &outboundRing{
		q:        queue.New(),
		capacity: capacity,
	}
}

// push enqueues f. When the ring is full, the oldest Observation frame is
// evicted in favor of the newcomer. If nothing is evictable the push fails
// with ErrChannelFull; a rejected Observation also counts as dropped.
func (r *outboundRing) push(f outFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.q.Length() < r.capacity {
		r.q.Add(f)
		return nil
	}

	evicted := false
	n := r.q.Length()
	for i := 0; i < n; i++ {
		item := r.q.Remove().(outFrame)
		if !evicted && item.kind == protocol.KindObservation {
			evicted = true
			r.dropped++
			continue
		}
		r.q.Add(item)
	}
	if !evicted {
		if f.kind == protocol.KindObservation {
			r.dropped++
		}
		return ErrChannelFull
	}
	r.q.Add(f)
	return nil
}

func (r *outboundRing) pop() (outFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.q.Length() == 0 {
		return outFrame{}, false
	}
	return r.q.Remove().(outFrame), true
}

// drainCritical removes and returns every non-Observation frame still
// queued, in order. Used for the best-effort flush on Close.
func (r *outboundRing) drainCritical() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	n := r.q.Length()
	for i := 0; i < n; i++ {
		item := r.q.Remove().(outFrame)
		if item.kind != protocol.KindObservation {
			out = append(out, item.data)
		}
	}
	return out
}

func (r *outboundRing) length() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

func (r *outboundRing) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
