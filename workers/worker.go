package workers

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// worker is one isolated execution context: a goroutine draining its own
// request channel. State inside compute is worker-local; the only shared
// surface is the pending map, which the pool side owns.
type worker struct {
	id          uint64
	pool        *Pool
	reqs        chan task
	pending     *xsync.MapOf[uint64, chan result]
	lastUsed    atomic.Int64
	outstanding atomic.Int64
}

func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.fault(fmt.Errorf("%w: %v", ErrWorkerFault, r))
		}
	}()
	for t := range w.reqs {
		value, err := compute(t)
		w.deliver(t.id, result{value: value, err: err})
		w.pool.latency.Add(time.Since(t.issuedAt).Seconds())
		w.outstanding.Add(-1)
		w.lastUsed.Store(time.Now().UnixNano())
	}
}

// deliver matches a response to its waiter by correlation id. A missing
// slot means the caller already timed out; the result is dropped.
func (w *worker) deliver(id uint64, res result) {
	ch, ok := w.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	ch <- res // buffered, never blocks
}

// fault rejects every pending request of this worker and removes it from
// the pool. A replacement is created lazily by the next Send that needs one.
func (w *worker) fault(err error) {
	w.pool.log.Error("worker faulted", "worker", w.id, "err", err)
	w.pending.Range(func(id uint64, ch chan result) bool {
		w.pending.Delete(id)
		select {
		case ch <- result{err: err}:
		default:
		}
		return true
	})
	w.outstanding.Store(0)
	w.pool.removeWorker(w)
}

// compute dispatches a task by type. Payload shape mismatches surface as
// errors to the caller rather than killing the worker.
func compute(t task) (any, error) {
	switch t.typ {
	case TaskSmooth:
		req, ok := t.payload.(SmoothRequest)
		if !ok {
			return nil, fmt.Errorf("%w: smooth payload is %T", ErrUnknownTask, t.payload)
		}
		return smoothFrames(req)
	case TaskAngle:
		req, ok := t.payload.(AngleRequest)
		if !ok {
			return nil, fmt.Errorf("%w: angle payload is %T", ErrUnknownTask, t.payload)
		}
		return jointAngle(req.A, req.B, req.C), nil
	case TaskFuse:
		req, ok := t.payload.(FuseRequest)
		if !ok {
			return nil, fmt.Errorf("%w: fuse payload is %T", ErrUnknownTask, t.payload)
		}
		return fuseLandmarks(req)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, t.typ)
	}
}
