package workers

import (
	"fmt"
	"math"
)

// Landmark is one tracked point in camera space, with the estimator's
// confidence in it.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// SmoothRequest smooths a batch of frames and estimates per-landmark
// velocity from the last two smoothed frames. FrameInterval is seconds
// between frames; Alpha is the EMA factor (0 < alpha <= 1, higher follows
// the raw signal more closely).
type SmoothRequest struct {
	Frames        [][]Landmark
	FrameInterval float64
	Alpha         float64
}

type Velocity struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type SmoothResult struct {
	Landmarks  []Landmark
	Velocities []Velocity
}

const (
	defaultAlpha         = 0.5
	defaultFrameInterval = 1.0 / 30
)

func smoothFrames(req SmoothRequest) (SmoothResult, error) {
	if len(req.Frames) == 0 {
		return SmoothResult{}, fmt.Errorf("smooth: empty batch")
	}
	n := len(req.Frames[0])
	for i, f := range req.Frames {
		if len(f) != n {
			return SmoothResult{}, fmt.Errorf("smooth: frame %d has %d landmarks, want %d", i, len(f), n)
		}
	}
	alpha := req.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	dt := req.FrameInterval
	if dt <= 0 {
		dt = defaultFrameInterval
	}

	prev := append([]Landmark(nil), req.Frames[0]...)
	cur := append([]Landmark(nil), prev...)
	for _, frame := range req.Frames[1:] {
		prev, cur = cur, prev
		for i, lm := range frame {
			cur[i] = Landmark{
				X:          alpha*lm.X + (1-alpha)*prev[i].X,
				Y:          alpha*lm.Y + (1-alpha)*prev[i].Y,
				Z:          alpha*lm.Z + (1-alpha)*prev[i].Z,
				Visibility: lm.Visibility,
			}
		}
	}

	vels := make([]Velocity, n)
	if len(req.Frames) > 1 {
		for i := range vels {
			vels[i] = Velocity{
				X: (cur[i].X - prev[i].X) / dt,
				Y: (cur[i].Y - prev[i].Y) / dt,
				Z: (cur[i].Z - prev[i].Z) / dt,
			}
		}
	}
	return SmoothResult{Landmarks: append([]Landmark(nil), cur...), Velocities: vels}, nil
}

// AngleRequest asks for the joint angle at vertex B of the triple (A, B, C).
type AngleRequest struct {
	A, B, C Landmark
}

// jointAngle computes the angle in degrees via the law of cosines on the
// two joint vectors. The cosine is clamped to [-1, 1] before the arccos so
// float drift on collinear points cannot produce NaN.
func jointAngle(a, b, c Landmark) float64 {
	v1x, v1y, v1z := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	v2x, v2y, v2z := c.X-b.X, c.Y-b.Y, c.Z-b.Z
	dot := v1x*v2x + v1y*v2y + v1z*v2z
	n1 := math.Sqrt(v1x*v1x + v1y*v1y + v1z*v1z)
	n2 := math.Sqrt(v2x*v2x + v2y*v2y + v2z*v2z)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	cos := dot / (n1 * n2)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

// FuseRequest merges two landmark sets from independent estimators.
// Weight is the share of Primary, in [0, 1].
type FuseRequest struct {
	Primary   []Landmark
	Secondary []Landmark
	Weight    float64
}

func fuseLandmarks(req FuseRequest) ([]Landmark, error) {
	if len(req.Primary) != len(req.Secondary) {
		return nil, fmt.Errorf("fuse: set sizes differ: %d vs %d", len(req.Primary), len(req.Secondary))
	}
	w := req.Weight
	if w < 0 || w > 1 {
		return nil, fmt.Errorf("fuse: weight %v out of [0,1]", w)
	}
	out := make([]Landmark, len(req.Primary))
	for i := range out {
		p, q := req.Primary[i], req.Secondary[i]
		out[i] = Landmark{
			X:          w*p.X + (1-w)*q.X,
			Y:          w*p.Y + (1-w)*q.Y,
			Z:          w*p.Z + (1-w)*q.Z,
			Visibility: w*p.Visibility + (1-w)*q.Visibility,
		}
	}
	return out, nil
}
