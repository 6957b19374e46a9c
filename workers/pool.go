// Package workers runs CPU-bound landmark computation off the caller's
// control path. Workers are isolated goroutines that share nothing with the
// caller; requests and responses travel over channels tagged with a
// correlation id, so out-of-order completion is matched to the right waiter.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/himo777777/Rehabflow-sub009/utils"
)

var (
	ErrPoolClosed  = errors.New("workers: pool is closed")
	ErrTimeout     = errors.New("workers: request timed out")
	ErrWorkerFault = errors.New("workers: worker faulted")
	ErrUnknownTask = errors.New("workers: unknown task type")
)

type TaskType byte

const (
	TaskSmooth TaskType = iota + 1
	TaskAngle
	TaskFuse
)

func (t TaskType) String() string {
	switch t {
	case TaskSmooth:
		return "smooth"
	case TaskAngle:
		return "angle"
	case TaskFuse:
		return "fuse"
	}
	return "unknown"
}

type Options struct {
	// MaxWorkers caps live workers; defaults to the host parallelism.
	MaxWorkers     int
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	Logger         utils.Logger
}

func (o *Options) SetDefaults() {
	if o.MaxWorkers == 0 {
		o.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = time.Minute
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type task struct {
	id       uint64
	typ      TaskType
	payload  any
	issuedAt time.Time
}

type result struct {
	value any
	err   error
}

type Pool struct {
	opts Options
	log  utils.Logger

	mu      sync.Mutex
	workers []*worker
	closed  bool

	nextTask  atomic.Uint64
	nextWID   atomic.Uint64
	latency   *utils.AvgVal
	sweepStop context.CancelFunc
}

func NewPool(opts Options) *Pool {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:      opts,
		log:       opts.Logger,
		latency:   utils.NewAvgVal(),
		sweepStop: cancel,
	}
	go p.sweepIdle(ctx)
	return p
}

// Pending is the caller's handle for one in-flight request.
type Pending struct {
	id       uint64
	w        *worker
	ch       chan result
	deadline time.Time
}

// Send routes a request to a worker and returns immediately. A ready idle
// worker is reused; below capacity a fresh worker is created; at capacity
// the request queues on the least-recently-used worker rather than blocking.
func (p *Pool) Send(ctx context.Context, typ TaskType, payload any) (*Pending, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	w := p.pickWorkerLocked()
	w.outstanding.Add(1)
	p.mu.Unlock()

	id := p.nextTask.Add(1)
	ch := make(chan result, 1)
	w.pending.Store(id, ch)
	t := task{id: id, typ: typ, payload: payload, issuedAt: time.Now()}
	select {
	case w.reqs <- t:
	case <-ctx.Done():
		w.pending.Delete(id)
		w.outstanding.Add(-1)
		return nil, ctx.Err()
	}
	return &Pending{id: id, w: w, ch: ch, deadline: t.issuedAt.Add(p.opts.RequestTimeout)}, nil
}

// Wait blocks for the response. On timeout only this request is rejected;
// the worker keeps running and stays in the pool.
func (pd *Pending) Wait(ctx context.Context) (any, error) {
	timer := time.NewTimer(time.Until(pd.deadline))
	defer timer.Stop()
	select {
	case res := <-pd.ch:
		return res.value, res.err
	case <-timer.C:
		pd.w.pending.Delete(pd.id)
		return nil, ErrTimeout
	case <-ctx.Done():
		pd.w.pending.Delete(pd.id)
		return nil, ctx.Err()
	}
}

// pickWorkerLocked implements the reuse / grow / LRU routing policy.
func (p *Pool) pickWorkerLocked() *worker {
	for _, w := range p.workers {
		if w.outstanding.Load() == 0 {
			w.lastUsed.Store(time.Now().UnixNano())
			return w
		}
	}
	if len(p.workers) < p.opts.MaxWorkers {
		w := p.spawnLocked()
		return w
	}
	lru := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.lastUsed.Load() < lru.lastUsed.Load() {
			lru = w
		}
	}
	lru.lastUsed.Store(time.Now().UnixNano())
	return lru
}

func (p *Pool) spawnLocked() *worker {
	w := &worker{
		id:      p.nextWID.Add(1),
		pool:    p,
		reqs:    make(chan task, 64),
		pending: xsync.NewMapOf[uint64, chan result](),
	}
	w.lastUsed.Store(time.Now().UnixNano())
	p.workers = append(p.workers, w)
	go w.run()
	p.log.Debug("worker started", "worker", w.id, "live", len(p.workers))
	return w
}

func (p *Pool) removeWorker(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.workers {
		if cand == w {
			p.workers[i] = p.workers[len(p.workers)-1]
			p.workers = p.workers[:len(p.workers)-1]
			break
		}
	}
}

// sweepIdle terminates workers unused for longer than IdleTimeout.
func (p *Pool) sweepIdle(ctx context.Context) {
	tick := time.NewTicker(p.opts.IdleTimeout / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		cutoff := time.Now().Add(-p.opts.IdleTimeout).UnixNano()
		p.mu.Lock()
		kept := p.workers[:0]
		for _, w := range p.workers {
			if w.outstanding.Load() == 0 && w.lastUsed.Load() < cutoff {
				close(w.reqs)
				p.log.Debug("worker retired idle", "worker", w.id)
				continue
			}
			kept = append(kept, w)
		}
		p.workers = kept
		p.mu.Unlock()
	}
}

// WorkerCount reports live workers; used by tests and the REPL.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// AvgLatency is the running mean request latency in seconds.
func (p *Pool) AvgLatency() float64 {
	return p.latency.Val()
}

func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	p.sweepStop()
	for _, w := range workers {
		close(w.reqs)
	}
	return nil
}
