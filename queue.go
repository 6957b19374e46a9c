package rehabflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PayloadKind discriminates queue item payloads on the wire and in the
// store. Dispatch over kinds is exhaustive: an unknown kind is an error,
// never a silent skip.
type PayloadKind string

const (
	KindSession     PayloadKind = "session"
	KindCalibration PayloadKind = "calibration"
	KindProgress    PayloadKind = "progress"
	KindPainLog     PayloadKind = "pain_log"
	KindVideoUpload PayloadKind = "video_upload"
)

// Payload is the typed content of a queue item.
type Payload interface {
	Kind() PayloadKind
}

type SessionPayload struct {
	Session MovementSession `json:"session"`
}

type CalibrationPayload struct {
	Profile CalibrationProfile `json:"profile"`
}

type ProgressPayload struct {
	Snapshot ProgressSnapshot `json:"snapshot"`
}

type PainLogPayload struct {
	Entry PainLogEntry `json:"entry"`
}

type VideoUploadPayload struct {
	Upload PendingUpload `json:"upload"`
}

func (SessionPayload) Kind() PayloadKind     { return KindSession }
func (CalibrationPayload) Kind() PayloadKind { return KindCalibration }
func (ProgressPayload) Kind() PayloadKind    { return KindProgress }
func (PainLogPayload) Kind() PayloadKind     { return KindPainLog }
func (VideoUploadPayload) Kind() PayloadKind { return KindVideoUpload }

// QueueItem is one pending outbound operation. RetryCount only grows until
// the item leaves the queue, on success or past the retry cap.
type QueueItem struct {
	ID         string
	Endpoint   string
	Method     string
	Headers    map[string]string
	Payload    Payload
	EnqueuedAt time.Time
	RetryCount int
}

// StoreKey orders queue rows by enqueue time: big-endian hex nanos first,
// uuid after for uniqueness, so the store's key order is drain order.
func (qi *QueueItem) StoreKey() string {
	return fmt.Sprintf("%016x-%s", uint64(qi.EnqueuedAt.UnixNano()), qi.ID)
}

type queueItemJSON struct {
	ID         string            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Kind       PayloadKind       `json:"kind"`
	Payload    json.RawMessage   `json:"payload"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
}

func (qi QueueItem) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(qi.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queueItemJSON{
		ID:         qi.ID,
		Endpoint:   qi.Endpoint,
		Method:     qi.Method,
		Headers:    qi.Headers,
		Kind:       qi.Payload.Kind(),
		Payload:    raw,
		EnqueuedAt: qi.EnqueuedAt,
		RetryCount: qi.RetryCount,
	})
}

func (qi *QueueItem) UnmarshalJSON(data []byte) error {
	var aux queueItemJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	payload, err := decodePayload(aux.Kind, aux.Payload)
	if err != nil {
		return err
	}
	*qi = QueueItem{
		ID:         aux.ID,
		Endpoint:   aux.Endpoint,
		Method:     aux.Method,
		Headers:    aux.Headers,
		Payload:    payload,
		EnqueuedAt: aux.EnqueuedAt,
		RetryCount: aux.RetryCount,
	}
	return nil
}

func decodePayload(kind PayloadKind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindSession:
		var p SessionPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindCalibration:
		var p CalibrationPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindProgress:
		var p ProgressPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindPainLog:
		var p PainLogPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindVideoUpload:
		var p VideoUploadPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("rehabflow: unknown payload kind %q", kind)
	}
}

func newQueueItem(endpoint, method string, payload Payload) *QueueItem {
	return &QueueItem{
		ID:         uuid.NewString(),
		Endpoint:   endpoint,
		Method:     method,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}
