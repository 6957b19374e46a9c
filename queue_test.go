package rehabflow

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueItem_EnvelopeRoundTrip(t *testing.T) {
	item := newQueueItem("/api/v1/sessions", "POST", SessionPayload{
		Session: MovementSession{ID: "s1", ExerciseID: "squat", Reps: 5, Synced: "false"},
	})
	item.RetryCount = 2
	item.Headers = map[string]string{"X-Device": "tablet"}

	raw, err := json.Marshal(item)
	require.NoError(t, err)

	// the envelope carries the kind discriminator
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `"session"`, string(env["kind"]))

	var back QueueItem
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, item.ID, back.ID)
	assert.Equal(t, item.Endpoint, back.Endpoint)
	assert.Equal(t, item.Headers, back.Headers)
	assert.Equal(t, 2, back.RetryCount)

	sp, ok := back.Payload.(SessionPayload)
	require.True(t, ok)
	assert.Equal(t, "s1", sp.Session.ID)
	assert.Equal(t, 5, sp.Session.Reps)
}

func TestQueueItem_EveryKindDecodesToItsType(t *testing.T) {
	payloads := []Payload{
		SessionPayload{Session: MovementSession{ID: "s"}},
		CalibrationPayload{Profile: CalibrationProfile{UserID: "u", Joint: "knee"}},
		ProgressPayload{Snapshot: ProgressSnapshot{UserID: "u", Week: 3}},
		PainLogPayload{Entry: PainLogEntry{SessionID: "s", Level: 4}},
		VideoUploadPayload{Upload: PendingUpload{SessionID: "s"}},
	}
	for _, p := range payloads {
		raw, err := json.Marshal(newQueueItem("/x", "POST", p))
		require.NoError(t, err)
		var back QueueItem
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, p.Kind(), back.Payload.Kind())
		assert.Equal(t, p, back.Payload)
	}
}

func TestQueueItem_UnknownKindErrors(t *testing.T) {
	var item QueueItem
	err := json.Unmarshal([]byte(`{"id":"x","kind":"telemetry","payload":{}}`), &item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry")
}

func TestQueueItem_StoreKeyOrdersByEnqueueTime(t *testing.T) {
	base := time.Unix(1700000000, 0)
	items := []*QueueItem{
		{ID: "zzz", EnqueuedAt: base},
		{ID: "aaa", EnqueuedAt: base.Add(time.Nanosecond)},
		{ID: "mmm", EnqueuedAt: base.Add(time.Second)},
	}
	keys := []string{items[2].StoreKey(), items[1].StoreKey(), items[0].StoreKey()}
	sort.Strings(keys)
	assert.Equal(t, items[0].StoreKey(), keys[0])
	assert.Equal(t, items[1].StoreKey(), keys[1])
	assert.Equal(t, items[2].StoreKey(), keys[2])
}
