package workers

import (
	"context"
	"fmt"
)

// Processor is the landmark computation surface the UI layer sees. The pool
// implements it with true parallelism; SyncProcessor is the degraded path
// for hosts where worker contexts are unavailable or disabled. Both return
// the same shapes, so callers never branch.
type Processor interface {
	Smooth(ctx context.Context, req SmoothRequest) (SmoothResult, error)
	JointAngle(ctx context.Context, a, b, c Landmark) (float64, error)
	Fuse(ctx context.Context, primary, secondary []Landmark, weight float64) ([]Landmark, error)
	Close() error
}

// NewProcessor picks the pool when workers are enabled, the synchronous
// fallback otherwise.
func NewProcessor(opts Options, enabled bool) Processor {
	if enabled {
		return NewPool(opts)
	}
	return SyncProcessor{}
}

func (p *Pool) Smooth(ctx context.Context, req SmoothRequest) (SmoothResult, error) {
	pd, err := p.Send(ctx, TaskSmooth, req)
	if err != nil {
		return SmoothResult{}, err
	}
	value, err := pd.Wait(ctx)
	if err != nil {
		return SmoothResult{}, err
	}
	return value.(SmoothResult), nil
}

func (p *Pool) JointAngle(ctx context.Context, a, b, c Landmark) (float64, error) {
	pd, err := p.Send(ctx, TaskAngle, AngleRequest{A: a, B: b, C: c})
	if err != nil {
		return 0, err
	}
	value, err := pd.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return value.(float64), nil
}

func (p *Pool) Fuse(ctx context.Context, primary, secondary []Landmark, weight float64) ([]Landmark, error) {
	pd, err := p.Send(ctx, TaskFuse, FuseRequest{Primary: primary, Secondary: secondary, Weight: weight})
	if err != nil {
		return nil, err
	}
	value, err := pd.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return value.([]Landmark), nil
}

// SyncProcessor computes in the caller's goroutine. No smoothing is applied:
// the raw last frame passes through as the processed output with zero
// velocities, matching the shape of the pool's answer.
type SyncProcessor struct{}

func (SyncProcessor) Smooth(_ context.Context, req SmoothRequest) (SmoothResult, error) {
	if len(req.Frames) == 0 {
		return SmoothResult{}, fmt.Errorf("smooth: empty batch")
	}
	last := req.Frames[len(req.Frames)-1]
	return SmoothResult{
		Landmarks:  append([]Landmark(nil), last...),
		Velocities: make([]Velocity, len(last)),
	}, nil
}

func (SyncProcessor) JointAngle(_ context.Context, a, b, c Landmark) (float64, error) {
	return jointAngle(a, b, c), nil
}

func (SyncProcessor) Fuse(_ context.Context, primary, secondary []Landmark, weight float64) ([]Landmark, error) {
	return fuseLandmarks(FuseRequest{Primary: primary, Secondary: secondary, Weight: weight})
}

func (SyncProcessor) Close() error { return nil }
