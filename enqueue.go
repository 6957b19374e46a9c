package rehabflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/himo777777/Rehabflow-sub009/store"
)

// Typed persist-then-enqueue wrappers. Each writes the domain record and
// the queue row in one batch, so a crash can never leave a record without
// its outbound operation or vice versa. When online, a sync is triggered
// right away; offline, items wait for reconnection.

func calibrationKey(p CalibrationProfile) string {
	return p.UserID + "/" + p.Joint
}

func (c *Coordinator) QueueMovementSession(ctx context.Context, s MovementSession) error {
	if s.ID == "" {
		return fmt.Errorf("rehabflow: session id is required")
	}
	s.Synced = "false"
	item := newQueueItem("/api/v1/sessions", http.MethodPost, SessionPayload{Session: s})
	batch := c.store.NewBatch()
	batch.Put(store.ColSessions, s.ID, s)
	batch.Put(store.ColSyncQueue, item.StoreKey(), item)
	return c.commitEnqueue(ctx, batch)
}

func (c *Coordinator) QueueVideoUpload(ctx context.Context, sessionID, contentType string, blob []byte) error {
	if sessionID == "" {
		return fmt.Errorf("rehabflow: session id is required")
	}
	up := PendingUpload{
		SessionID:   sessionID,
		ContentType: contentType,
		SizeBytes:   int64(len(blob)),
		CreatedAt:   time.Now(),
	}
	item := newQueueItem("/api/v1/sessions/"+sessionID+"/video", http.MethodPut, VideoUploadPayload{Upload: up})
	batch := c.store.NewBatch()
	batch.PutBlob(sessionID, blob)
	batch.Put(store.ColPendingUploads, sessionID, up)
	batch.Put(store.ColSyncQueue, item.StoreKey(), item)
	return c.commitEnqueue(ctx, batch)
}

func (c *Coordinator) QueueCalibration(ctx context.Context, p CalibrationProfile) error {
	if p.UserID == "" || p.Joint == "" {
		return fmt.Errorf("rehabflow: calibration needs user and joint")
	}
	item := newQueueItem("/api/v1/calibrations", http.MethodPut, CalibrationPayload{Profile: p})
	batch := c.store.NewBatch()
	batch.Put(store.ColCalibrations, calibrationKey(p), p)
	batch.Put(store.ColSyncQueue, item.StoreKey(), item)
	return c.commitEnqueue(ctx, batch)
}

func (c *Coordinator) QueueProgress(ctx context.Context, s ProgressSnapshot) error {
	item := newQueueItem("/api/v1/progress", http.MethodPost, ProgressPayload{Snapshot: s})
	batch := c.store.NewBatch()
	batch.Put(store.ColSyncQueue, item.StoreKey(), item)
	return c.commitEnqueue(ctx, batch)
}

func (c *Coordinator) QueuePainLog(ctx context.Context, e PainLogEntry) error {
	item := newQueueItem("/api/v1/pain-logs", http.MethodPost, PainLogPayload{Entry: e})
	batch := c.store.NewBatch()
	batch.Put(store.ColSyncQueue, item.StoreKey(), item)
	return c.commitEnqueue(ctx, batch)
}

func (c *Coordinator) commitEnqueue(ctx context.Context, batch *store.Batch) error {
	if err := batch.Commit(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingCount++
	PendingItems.Set(float64(c.pendingCount))
	if c.status == StatusSynced {
		c.status = StatusPending
	}
	online := c.online
	c.mu.Unlock()
	if online {
		c.TriggerSync(ctx)
	}
	return nil
}
