package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(n int) []Landmark {
	f := make([]Landmark, n)
	for i := range f {
		f[i] = Landmark{X: float64(i), Y: float64(i) * 2, Visibility: 1}
	}
	return f
}

func TestPool_SmoothRoundTrip(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 2})
	defer p.Close()

	res, err := p.Smooth(context.Background(), SmoothRequest{
		Frames: [][]Landmark{frame(3), frame(3)},
	})
	require.NoError(t, err)
	assert.Len(t, res.Landmarks, 3)
	assert.Len(t, res.Velocities, 3)
}

func TestPool_WorkerCountBounded(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 2})
	defer p.Close()

	ctx := context.Background()
	var pds []*Pending
	for i := 0; i < 5; i++ {
		pd, err := p.Send(ctx, TaskSmooth, SmoothRequest{Frames: [][]Landmark{frame(10), frame(10)}})
		require.NoError(t, err)
		pds = append(pds, pd)
		assert.LessOrEqual(t, p.WorkerCount(), 2)
	}
	for _, pd := range pds {
		_, err := pd.Wait(ctx)
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, p.WorkerCount(), 2)
}

func TestPool_ConcurrentRequestsCorrelate(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 2})
	defer p.Close()

	ctx := context.Background()
	type job struct {
		pd   *Pending
		want float64
	}
	var jobs []job
	angles := []struct {
		c    Landmark
		want float64
	}{
		{Landmark{X: 0, Y: 1}, 90},
		{Landmark{X: 1, Y: 0}, 0},
		{Landmark{X: -1, Y: 0}, 180},
	}
	for i := 0; i < 30; i++ {
		a := angles[i%len(angles)]
		pd, err := p.Send(ctx, TaskAngle, AngleRequest{
			A: Landmark{X: 1},
			B: Landmark{},
			C: a.c,
		})
		require.NoError(t, err)
		jobs = append(jobs, job{pd: pd, want: a.want})
	}
	for _, j := range jobs {
		v, err := j.pd.Wait(ctx)
		require.NoError(t, err)
		assert.InDelta(t, j.want, v.(float64), 1e-9)
	}
}

func TestPool_BadPayloadErrorsWithoutKillingWorker(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 1})
	defer p.Close()

	ctx := context.Background()
	pd, err := p.Send(ctx, TaskSmooth, "not a smooth request")
	require.NoError(t, err)
	_, err = pd.Wait(ctx)
	assert.ErrorIs(t, err, ErrUnknownTask)

	// the worker keeps serving
	_, err = p.JointAngle(ctx, Landmark{X: 1}, Landmark{}, Landmark{Y: 1})
	assert.NoError(t, err)
	assert.Equal(t, 1, p.WorkerCount())
}

func TestPending_TimeoutRejectsOnlyTheWaiter(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 1})
	defer p.Close()

	ctx := context.Background()
	// warm up one worker
	_, err := p.JointAngle(ctx, Landmark{X: 1}, Landmark{}, Landmark{Y: 1})
	require.NoError(t, err)

	p.mu.Lock()
	w := p.workers[0]
	p.mu.Unlock()

	// a request whose response never arrives
	pd := &Pending{id: 999, w: w, ch: make(chan result, 1), deadline: time.Now().Add(20 * time.Millisecond)}
	w.pending.Store(pd.id, pd.ch)

	_, err = pd.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)

	// a late response for a timed-out request is dropped silently
	w.deliver(pd.id, result{value: 1.0})

	// the worker survived and still serves
	v, err := p.JointAngle(ctx, Landmark{X: 1}, Landmark{}, Landmark{X: -1})
	require.NoError(t, err)
	assert.InDelta(t, 180, v, 1e-9)
	assert.Equal(t, 1, p.WorkerCount())
}

func TestWorker_FaultRejectsPendingAndLeavesPool(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 1})
	defer p.Close()

	ctx := context.Background()
	_, err := p.JointAngle(ctx, Landmark{X: 1}, Landmark{}, Landmark{Y: 1})
	require.NoError(t, err)

	p.mu.Lock()
	w := p.workers[0]
	p.mu.Unlock()

	ch := make(chan result, 1)
	w.pending.Store(1000, ch)
	w.fault(ErrWorkerFault)

	res := <-ch
	assert.ErrorIs(t, res.err, ErrWorkerFault)
	assert.Equal(t, 0, p.WorkerCount())

	// the next request spawns a replacement
	_, err = p.JointAngle(ctx, Landmark{X: 1}, Landmark{}, Landmark{Y: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, p.WorkerCount())
}

func TestPool_SendAfterClose(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 1})
	require.NoError(t, p.Close())

	_, err := p.Send(context.Background(), TaskAngle, AngleRequest{})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.Close(), ErrPoolClosed)
}

func TestPool_IdleWorkersRetired(t *testing.T) {
	p := NewPool(Options{MaxWorkers: 2, IdleTimeout: 40 * time.Millisecond})
	defer p.Close()

	ctx := context.Background()
	_, err := p.JointAngle(ctx, Landmark{X: 1}, Landmark{}, Landmark{Y: 1})
	require.NoError(t, err)
	require.Equal(t, 1, p.WorkerCount())

	assert.Eventually(t, func() bool {
		return p.WorkerCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNewProcessor(t *testing.T) {
	p := NewProcessor(Options{MaxWorkers: 1}, true)
	_, ok := p.(*Pool)
	assert.True(t, ok)
	_ = p.Close()

	s := NewProcessor(Options{}, false)
	_, ok = s.(SyncProcessor)
	assert.True(t, ok)
}
