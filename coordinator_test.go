package rehabflow

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/himo777777/Rehabflow-sub009/recovery"
	"github.com/himo777777/Rehabflow-sub009/remote"
	"github.com/himo777777/Rehabflow-sub009/store"
)

// fakeClient records pushes and fails them according to respond.
type fakeClient struct {
	mu      sync.Mutex
	reqs    []remote.Request
	respond func(remote.Request) error
}

func (f *fakeClient) Push(_ context.Context, req remote.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return nil
}

func (f *fakeClient) pushes() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.reqs...)
}

func testCoordinator(t *testing.T, client remote.Client, tweak func(*Options)) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Dir: t.TempDir(), NoSync: true}, store.DefaultSchema())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts := Options{Store: st, Client: client}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := NewCoordinator(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c, st
}

func session(id string) MovementSession {
	return MovementSession{
		ID:          id,
		ExerciseID:  "shoulder-abduction",
		StartedAt:   time.Now().Add(-time.Minute),
		CompletedAt: time.Now(),
		Reps:        8,
	}
}

func TestCoordinator_OfflineQueuesThenDrainsOnReconnect(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	c, st := testCoordinator(t, client, nil)

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	time.Sleep(time.Millisecond) // distinct enqueue nanos keep drain order stable
	require.NoError(t, c.QueueMovementSession(ctx, session("b")))

	assert.Empty(t, client.pushes())
	assert.Equal(t, 2, c.PendingCount())
	assert.Equal(t, StatusOffline, c.Status())

	c.SetOnline(ctx, true)
	c.WaitIdle()

	reqs := client.pushes()
	require.Len(t, reqs, 2)
	// enqueue order is drain order
	var env struct {
		Payload struct {
			Session MovementSession `json:"session"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].Body, &env))
	assert.Equal(t, "a", env.Payload.Session.ID)
	require.NoError(t, json.Unmarshal(reqs[1].Body, &env))
	assert.Equal(t, "b", env.Payload.Session.ID)
	assert.Equal(t, StatusSynced, c.Status())
	assert.Equal(t, 0, c.PendingCount())

	// the local records settled
	var s MovementSession
	require.NoError(t, st.Get(store.ColSessions, "a", &s))
	assert.Equal(t, "true", s.Synced)
	n, _ := st.Count(store.ColSyncQueue)
	assert.Equal(t, 0, n)
}

func TestCoordinator_SingleFlight(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	var inFlight, maxInFlight atomic.Int64
	client := &fakeClient{respond: func(remote.Request) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-gate
		inFlight.Add(-1)
		return nil
	}}
	c, _ := testCoordinator(t, client, nil)
	events, cancel := c.Subscribe()

	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	for i := 0; i < 5; i++ {
		c.TriggerSync(ctx)
	}
	assert.Equal(t, StatusSyncing, c.Status())

	close(gate)
	c.WaitIdle()

	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.Len(t, client.pushes(), 1)
	assert.Equal(t, StatusSynced, c.Status())

	// the five triggers coalesce into exactly one follow-up pass
	cancel()
	started := 0
	for ev := range events {
		if ev.Type == EventSyncStarted {
			started++
		}
	}
	assert.Equal(t, 2, started)
}

func TestCoordinator_RetryCountPersistsAcrossPasses(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{respond: func(remote.Request) error {
		return &remote.NetworkError{URL: "http://x", Status: 503}
	}}
	c, st := testCoordinator(t, client, func(o *Options) {
		o.MaxItemRetries = 2
	})

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	c.SetOnline(ctx, true)
	c.WaitIdle()

	recs, err := st.GetAll(store.ColSyncQueue)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var item QueueItem
	require.NoError(t, item.UnmarshalJSON(recs[0].Value))
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, StatusError, c.Status())

	c.TriggerSync(ctx)
	c.WaitIdle()
	recs, _ = st.GetAll(store.ColSyncQueue)
	require.Len(t, recs, 1)
	require.NoError(t, item.UnmarshalJSON(recs[0].Value))
	assert.Equal(t, 2, item.RetryCount)
}

func TestCoordinator_RetryCapMovesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{respond: func(remote.Request) error {
		return &remote.NetworkError{URL: "http://x", Status: 503}
	}}
	c, st := testCoordinator(t, client, func(o *Options) {
		o.MaxItemRetries = 2
	})
	events, cancel := c.Subscribe()
	defer cancel()

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	c.SetOnline(ctx, true)
	c.WaitIdle()
	for i := 0; i < 3; i++ {
		c.TriggerSync(ctx)
		c.WaitIdle()
	}

	n, _ := st.Count(store.ColSyncQueue)
	assert.Equal(t, 0, n)
	n, _ = st.Count(store.ColDeadLetter)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.PendingCount())

	dropped := false
	for !dropped {
		select {
		case ev := <-events:
			if ev.Type == EventItemDropped {
				dropped = true
				assert.Equal(t, KindSession, ev.ItemKind)
				assert.NotEmpty(t, ev.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("no item_dropped event")
		}
	}
}

func TestCoordinator_NonRetryableDropsImmediately(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{respond: func(remote.Request) error {
		return &remote.ValidationError{URL: "http://x", Status: 422, Detail: "bad reps"}
	}}
	c, st := testCoordinator(t, client, nil)

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	c.SetOnline(ctx, true)
	c.WaitIdle()

	assert.Len(t, client.pushes(), 1)
	n, _ := st.Count(store.ColSyncQueue)
	assert.Equal(t, 0, n)
	n, _ = st.Count(store.ColDeadLetter)
	assert.Equal(t, 1, n)
}

func TestCoordinator_DropWithEventPolicy(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{respond: func(remote.Request) error {
		return &remote.ValidationError{URL: "http://x", Status: 400, Detail: "nope"}
	}}
	c, st := testCoordinator(t, client, func(o *Options) {
		o.DeadLetter = DropWithEvent
	})
	events, cancel := c.Subscribe()
	defer cancel()

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	c.SetOnline(ctx, true)
	c.WaitIdle()

	n, _ := st.Count(store.ColSyncQueue)
	assert.Equal(t, 0, n)
	n, _ = st.Count(store.ColDeadLetter)
	assert.Equal(t, 0, n)

	// the loss is still announced
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventItemDropped {
				return
			}
		case <-deadline:
			t.Fatal("no item_dropped event")
		}
	}
}

func TestCoordinator_OpenCircuitSkipsPass(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	rec := recovery.NewService(recovery.Config{CircuitBreakerThreshold: 2}, nil)
	c, _ := testCoordinator(t, client, func(o *Options) {
		o.Recovery = rec
	})

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	rec.ReportFailure("api/sync", &remote.NetworkError{URL: "http://x", Err: context.DeadlineExceeded})
	rec.ReportFailure("api/sync", &remote.NetworkError{URL: "http://x", Err: context.DeadlineExceeded})
	require.Equal(t, recovery.CircuitOpen, rec.CircuitStateOf("api/sync"))

	c.SetOnline(ctx, true)
	c.WaitIdle()

	assert.Empty(t, client.pushes())
	assert.Equal(t, StatusError, c.Status())
	assert.Equal(t, 1, c.PendingCount())
}

func TestCoordinator_VideoUploadSendsBlob(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	c, st := testCoordinator(t, client, nil)

	blob := []byte{0xde, 0xad, 0xbe, 0xef}
	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueVideoUpload(ctx, "sess-1", "video/mp4", blob))

	// blob and upload record are persisted together with the queue row
	got, err := st.GetBlob("sess-1")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	c.SetOnline(ctx, true)
	c.WaitIdle()

	reqs := client.pushes()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/sessions/sess-1/video", reqs[0].Endpoint)
	assert.Equal(t, "PUT", reqs[0].Method)
	assert.Equal(t, blob, reqs[0].Body)
	assert.Equal(t, "video/mp4", reqs[0].Headers["Content-Type"])

	// upload state is cleaned up after the transfer
	_, err = st.GetBlob("sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	n, _ := st.Count(store.ColPendingUploads)
	assert.Equal(t, 0, n)
}

func TestCoordinator_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	client := &fakeClient{}

	st, err := store.Open(store.Options{Dir: dir, NoSync: true}, store.DefaultSchema())
	require.NoError(t, err)
	c, err := NewCoordinator(Options{Store: st, Client: client})
	require.NoError(t, err)
	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, st.Close())

	st, err = store.Open(store.Options{Dir: dir, NoSync: true}, store.DefaultSchema())
	require.NoError(t, err)
	defer st.Close()
	c, err = NewCoordinator(Options{Store: st, Client: client})
	require.NoError(t, err)
	defer c.Shutdown(ctx)

	assert.Equal(t, 1, c.PendingCount())
	assert.Equal(t, StatusPending, c.Status())

	c.TriggerSync(ctx)
	c.WaitIdle()
	assert.Len(t, client.pushes(), 1)
	assert.Equal(t, StatusSynced, c.Status())
}

func TestCoordinator_TriggerSyncOfflineIsNoop(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	c, _ := testCoordinator(t, client, nil)

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	c.TriggerSync(ctx)
	c.WaitIdle()
	assert.Empty(t, client.pushes())
	assert.Equal(t, StatusOffline, c.Status())
}

func TestCoordinator_ClearAll(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	c, st := testCoordinator(t, client, nil)

	c.SetOnline(ctx, false)
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	require.NoError(t, c.QueueVideoUpload(ctx, "sess-1", "video/mp4", []byte{1}))

	require.NoError(t, c.ClearAll(ctx))
	assert.Equal(t, 0, c.PendingCount())
	n, _ := st.Count(store.ColSyncQueue)
	assert.Equal(t, 0, n)
	_, err := st.GetBlob("sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinator_CorruptQueueRowGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{}
	c, st := testCoordinator(t, client, nil)

	c.SetOnline(ctx, false)
	require.NoError(t, st.Put(store.ColSyncQueue, "000-garbage", map[string]int{"not": 1}))
	require.NoError(t, c.QueueMovementSession(ctx, session("a")))
	c.SetOnline(ctx, true)
	c.WaitIdle()

	// the good item synced, the unreadable one was preserved raw
	assert.Len(t, client.pushes(), 1)
	n, _ := st.Count(store.ColSyncQueue)
	assert.Equal(t, 0, n)
	n, _ = st.Count(store.ColDeadLetter)
	assert.Equal(t, 1, n)
}
