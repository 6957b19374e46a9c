package rehabflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/himo777777/Rehabflow-sub009/recovery"
	"github.com/himo777777/Rehabflow-sub009/remote"
	"github.com/himo777777/Rehabflow-sub009/store"
	"github.com/himo777777/Rehabflow-sub009/utils"
)

type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// DeadLetterPolicy decides what happens to an item past the retry cap.
// Silent dropping is deliberately not an option: both policies emit an
// item_dropped event, and the default keeps the payload recoverable.
type DeadLetterPolicy byte

const (
	MoveToDeadLetter DeadLetterPolicy = iota
	DropWithEvent
)

type Options struct {
	Store    *store.Store
	Client   remote.Client
	Recovery *recovery.Service
	Agent    Agent
	Logger   utils.Logger

	// MaxItemRetries is the per-item cap across drain passes; each pass
	// attempts an item once.
	MaxItemRetries int
	DeadLetter     DeadLetterPolicy
	// CircuitKey names the endpoint circuit consulted before each pass.
	CircuitKey  string
	EventBuffer int
	// SyncTag is handed to the background agent on wake-up requests.
	SyncTag string
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Recovery == nil {
		o.Recovery = recovery.NewService(recovery.Config{}, o.Logger)
	}
	if o.Agent == nil {
		o.Agent = NoopAgent{}
	}
	if o.MaxItemRetries == 0 {
		o.MaxItemRetries = 3
	}
	if o.CircuitKey == "" {
		o.CircuitKey = "api/sync"
	}
	if o.SyncTag == "" {
		o.SyncTag = "rehabflow-sync"
	}
}

// Coordinator drains the persisted outbound queue against the remote API.
// The central invariant: never two drains at once. Concurrent TriggerSync
// calls during a drain coalesce into a single follow-up pass via the
// runAgain flag, consumed by the same loop.
type Coordinator struct {
	store    *store.Store
	client   remote.Client
	recovery *recovery.Service
	agent    Agent
	log      utils.Logger
	opts     Options
	bus      *eventBus

	mu           sync.Mutex
	status       Status
	pendingCount int
	lastSyncAt   time.Time
	online       bool
	syncing      bool
	runAgain     bool
	closed       bool

	stopAgent context.CancelFunc
	drained   *sync.Cond
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	opts.SetDefaults()
	c := &Coordinator{
		store:    opts.Store,
		client:   opts.Client,
		recovery: opts.Recovery,
		agent:    opts.Agent,
		log:      opts.Logger,
		opts:     opts,
		bus:      newEventBus(opts.EventBuffer, opts.Logger),
		online:   true,
	}
	c.drained = sync.NewCond(&c.mu)

	n, err := c.store.Count(store.ColSyncQueue)
	if err != nil {
		return nil, err
	}
	c.pendingCount = n
	if n > 0 {
		c.status = StatusPending
	} else {
		c.status = StatusSynced
	}
	PendingItems.Set(float64(n))

	ctx, cancel := context.WithCancel(context.Background())
	c.stopAgent = cancel
	go c.forwardAgentNotices(ctx)
	return c, nil
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCount
}

func (c *Coordinator) LastSyncAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncAt
}

func (c *Coordinator) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Subscribe returns the coordinator's event stream and a cancel func.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.bus.subscribe()
}

// SetOnline flips connectivity. Going online immediately triggers a sync;
// going offline suppresses network attempts until reconnection.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	if c.online == online || c.closed {
		c.mu.Unlock()
		return
	}
	c.online = online
	if online {
		if c.pendingCount > 0 {
			c.status = StatusPending
		} else {
			c.status = StatusSynced
		}
	} else {
		c.status = StatusOffline
	}
	c.mu.Unlock()

	if online {
		c.bus.emit(Event{Type: EventOnline})
		c.TriggerSync(ctx)
	} else {
		c.bus.emit(Event{Type: EventOffline})
	}
}

// TriggerSync requests a queue drain and returns without blocking. It is
// idempotent: during an active drain it only marks one follow-up pass.
// Offline it is a no-op.
func (c *Coordinator) TriggerSync(ctx context.Context) {
	c.mu.Lock()
	if !c.online || c.closed {
		c.mu.Unlock()
		return
	}
	if c.syncing {
		c.runAgain = true
		c.mu.Unlock()
		return
	}
	c.syncing = true
	c.status = StatusSyncing
	c.mu.Unlock()

	go c.drainLoop(ctx)
}

// drainLoop runs passes until no follow-up is requested. This is the only
// place syncing is cleared, so at most one loop exists at a time.
func (c *Coordinator) drainLoop(ctx context.Context) {
	for pass := 1; ; pass++ {
		c.drainOnce(utils.WithDefaultArgs(ctx, "pass", pass))
		c.mu.Lock()
		if c.runAgain && c.online && !c.closed {
			c.runAgain = false
			c.status = StatusSyncing
			c.mu.Unlock()
			continue
		}
		c.syncing = false
		c.runAgain = false
		c.drained.Broadcast()
		c.mu.Unlock()
		return
	}
}

// WaitIdle blocks until no drain is running. Intended for shutdown and
// tests, not for request paths.
func (c *Coordinator) WaitIdle() {
	c.mu.Lock()
	for c.syncing {
		c.drained.Wait()
	}
	c.mu.Unlock()
}

func (c *Coordinator) drainOnce(ctx context.Context) {
	c.bus.emit(Event{Type: EventSyncStarted})

	if err := c.recovery.Allow(c.opts.CircuitKey); err != nil {
		c.log.WarnCtx(ctx, "drain skipped, endpoint circuit open", "key", c.opts.CircuitKey)
		c.finishPass(0, 1, err)
		return
	}

	recs, err := c.store.GetAll(store.ColSyncQueue)
	if err != nil {
		c.log.ErrorCtx(ctx, "drain aborted, cannot read queue", "err", err)
		c.finishPass(0, 1, err)
		return
	}

	success, failed := 0, 0
	for _, rec := range recs {
		var item QueueItem
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			// unreadable rows go straight to dead letter, raw
			c.log.ErrorCtx(ctx, "unreadable queue item", "key", rec.Key, "err", err)
			c.deadLetterRaw(rec.Key, rec.Value)
			failed++
			continue
		}
		if c.processItem(ctx, rec.Key, &item) {
			success++
		} else {
			failed++
		}
		c.mu.Lock()
		online := c.online
		c.mu.Unlock()
		if !online || ctx.Err() != nil {
			break
		}
	}
	c.finishPass(success, failed, nil)
}

// processItem attempts one push. True means the item left the queue
// successfully.
func (c *Coordinator) processItem(ctx context.Context, key string, item *QueueItem) bool {
	err := c.push(ctx, item)
	if err == nil {
		c.recovery.ReportSuccess(c.opts.CircuitKey)
		if err := c.markSynced(key, item); err != nil {
			c.log.ErrorCtx(ctx, "synced item cleanup failed", "item", item.ID, "err", err)
			return false
		}
		ItemsDrained.WithLabelValues(string(item.Payload.Kind()), "synced").Inc()
		c.bus.emit(Event{Type: EventItemSynced, ItemID: item.ID, ItemKind: item.Payload.Kind()})
		return true
	}

	c.recovery.ReportFailure(c.opts.CircuitKey, err)
	if !remote.IsRetryable(err) {
		c.log.WarnCtx(ctx, "item rejected by server, not retrying", "item", item.ID, "err", err)
		c.dropItem(key, item, err)
		return false
	}

	item.RetryCount++
	if item.RetryCount > c.opts.MaxItemRetries {
		c.log.WarnCtx(ctx, "item past retry cap", "item", item.ID, "retries", item.RetryCount)
		c.dropItem(key, item, err)
		return false
	}
	if perr := c.store.Put(store.ColSyncQueue, key, item); perr != nil {
		c.log.ErrorCtx(ctx, "cannot persist retry count", "item", item.ID, "err", perr)
	}
	ItemsDrained.WithLabelValues(string(item.Payload.Kind()), "retry").Inc()
	return false
}

// push builds the remote request for an item. Video uploads send the blob
// bytes; everything else sends the payload envelope as JSON.
func (c *Coordinator) push(ctx context.Context, item *QueueItem) error {
	req := remote.Request{
		Endpoint: item.Endpoint,
		Method:   item.Method,
		Headers:  item.Headers,
	}
	if vp, ok := item.Payload.(VideoUploadPayload); ok {
		blob, err := c.store.GetBlob(vp.Upload.SessionID)
		if err != nil {
			return err
		}
		req.Body = blob
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers["Content-Type"] = vp.Upload.ContentType
	} else {
		body, err := json.Marshal(struct {
			Kind    PayloadKind `json:"kind"`
			Payload Payload     `json:"payload"`
		}{item.Payload.Kind(), item.Payload})
		if err != nil {
			return err
		}
		req.Body = body
	}
	return c.client.Push(ctx, req)
}

// markSynced removes the queue row and settles the originating domain
// record in one batch.
func (c *Coordinator) markSynced(key string, item *QueueItem) error {
	batch := c.store.NewBatch()
	batch.Delete(store.ColSyncQueue, key)
	switch p := item.Payload.(type) {
	case SessionPayload:
		s := p.Session
		s.Synced = "true"
		batch.Put(store.ColSessions, s.ID, s)
	case CalibrationPayload:
		batch.Put(store.ColCalibrations, calibrationKey(p.Profile), p.Profile)
	case VideoUploadPayload:
		batch.Delete(store.ColPendingUploads, p.Upload.SessionID)
	case ProgressPayload, PainLogPayload:
		// no settled domain record; the queue row was the only state
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	if vp, ok := item.Payload.(VideoUploadPayload); ok {
		if err := c.store.DeleteBlob(vp.Upload.SessionID); err != nil {
			c.log.Warn("uploaded blob not deleted", "session", vp.Upload.SessionID, "err", err)
		}
	}
	return nil
}

// dropItem enforces the dead-letter policy and always announces the loss.
func (c *Coordinator) dropItem(key string, item *QueueItem, cause error) {
	switch c.opts.DeadLetter {
	case MoveToDeadLetter:
		batch := c.store.NewBatch()
		batch.Put(store.ColDeadLetter, key, item)
		batch.Delete(store.ColSyncQueue, key)
		if err := batch.Commit(); err != nil {
			c.log.Error("dead-letter move failed", "item", item.ID, "err", err)
			return
		}
	case DropWithEvent:
		if err := c.store.Delete(store.ColSyncQueue, key); err != nil {
			c.log.Error("drop failed", "item", item.ID, "err", err)
			return
		}
	}
	ItemsDrained.WithLabelValues(string(item.Payload.Kind()), "dropped").Inc()
	c.bus.emit(Event{
		Type:     EventItemDropped,
		ItemID:   item.ID,
		ItemKind: item.Payload.Kind(),
		Err:      recovery.SanitizeErrorMessage(cause.Error()),
	})
}

func (c *Coordinator) deadLetterRaw(key string, raw json.RawMessage) {
	batch := c.store.NewBatch()
	batch.Put(store.ColDeadLetter, key, raw)
	batch.Delete(store.ColSyncQueue, key)
	if err := batch.Commit(); err != nil {
		c.log.Error("dead-letter move failed", "key", key, "err", err)
	}
}

// finishPass recomputes counts and status and emits the pass summary.
func (c *Coordinator) finishPass(success, failed int, fatal error) {
	n, err := c.store.Count(store.ColSyncQueue)
	if err != nil {
		c.log.Error("cannot count queue", "err", err)
		n = -1
	}

	c.mu.Lock()
	if n >= 0 {
		c.pendingCount = n
		PendingItems.Set(float64(n))
	}
	c.lastSyncAt = time.Now()
	switch {
	case !c.online:
		c.status = StatusOffline
	case fatal != nil || failed > 0:
		c.status = StatusError
	case n == 0:
		c.status = StatusSynced
	default:
		c.status = StatusPending
	}
	pending := c.pendingCount
	c.mu.Unlock()

	result := "ok"
	if fatal != nil || failed > 0 {
		result = "error"
	}
	DrainPasses.WithLabelValues(result).Inc()

	if fatal != nil {
		c.bus.emit(Event{Type: EventSyncError, Err: recovery.SanitizeErrorMessage(fatal.Error())})
	}
	c.bus.emit(Event{Type: EventSyncCompleted, SuccessCount: success, ErrorCount: failed})

	// still work left: ask the host to wake us even if backgrounded
	if pending > 0 {
		if err := c.agent.RequestSync(c.opts.SyncTag); err != nil {
			c.log.Warn("background sync request failed", "err", err)
		}
	}
}

func (c *Coordinator) forwardAgentNotices(ctx context.Context) {
	ch := c.agent.Notifications()
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.bus.emit(Event{Type: EventAgentNotice, AgentType: msg.Type, SessionID: msg.SessionID})
		}
	}
}

// Shutdown stops background work and closes the event bus. The store stays
// open; the caller owns it.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.WaitIdle()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.stopAgent()
	c.bus.close()
	return nil
}

// ClearAll wipes all locally persisted data. Used at logout.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	c.WaitIdle()
	if err := c.store.ClearAll(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingCount = 0
	if c.online {
		c.status = StatusSynced
	}
	c.mu.Unlock()
	PendingItems.Set(0)
	return nil
}
