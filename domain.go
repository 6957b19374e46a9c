// Package rehabflow is the offline-first resilience layer of the RehabFlow
// client: a durable local store, a single-flight background sync
// coordinator, a retry/circuit-breaker service and a worker pool for
// landmark computation. UI and content layers sit on top of it and are out
// of scope here.
package rehabflow

import "time"

// MovementSession is one completed exercise session recorded on-device.
type MovementSession struct {
	ID          string    `json:"id"`
	ExerciseID  string    `json:"exerciseId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Reps        int       `json:"reps"`
	MaxAngleDeg float64   `json:"maxAngleDeg"`
	AvgAngleDeg float64   `json:"avgAngleDeg"`
	Notes       string    `json:"notes,omitempty"`
	Synced      string    `json:"synced"` // "true"/"false", indexed
}

// CalibrationProfile is a per-user, per-joint range-of-motion baseline.
type CalibrationProfile struct {
	UserID       string    `json:"userId"`
	Joint        string    `json:"joint"`
	NeutralDeg   float64   `json:"neutralDeg"`
	RangeMinDeg  float64   `json:"rangeMinDeg"`
	RangeMaxDeg  float64   `json:"rangeMaxDeg"`
	CapturedAt   time.Time `json:"capturedAt"`
	CameraHeight float64   `json:"cameraHeight,omitempty"`
}

// ProgressSnapshot is a weekly adherence summary pushed to the care team.
type ProgressSnapshot struct {
	UserID       string    `json:"userId"`
	Week         int       `json:"week"`
	SessionCount int       `json:"sessionCount"`
	AdherencePct float64   `json:"adherencePct"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// PainLogEntry is a self-reported pain level tied to a session.
type PainLogEntry struct {
	SessionID string    `json:"sessionId"`
	Region    string    `json:"region"`
	Level     int       `json:"level"` // 0..10
	LoggedAt  time.Time `json:"loggedAt"`
}

// PendingUpload tracks a video blob awaiting transfer; the bytes live in
// the store's blob space under the session id.
type PendingUpload struct {
	SessionID   string    `json:"sessionId"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}
