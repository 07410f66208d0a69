// Package pipeline is the shared commit path for both delivery paths:
// land the raw record durably, then version it in the history store,
// with transparent retry on write conflicts.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/history"
	"github.com/chronicle/ingest-core/internal/landing"
)

// conflictAttempts bounds transparent retries of conflicting upserts.
const conflictAttempts = 5

// Committer lands and versions raw records. The synchronous path is used
// by the batch puller (commit before watermark advance); the asynchronous
// path backs the callback receiver, which acknowledges after the durable
// landing write and lets versioning complete in the background.
type Committer struct {
	history history.Store
	landing *landing.Store
	auditor audit.Log

	queue chan *core.RawRecord
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	// stopMu serializes Enqueue against Stop so a send never races the
	// queue close.
	stopMu  sync.RWMutex
	stopped chan struct{}
}

// NewCommitter creates a committer over the given stores.
func NewCommitter(hist history.Store, land *landing.Store, auditor audit.Log, queueSize int) *Committer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Committer{
		history: hist,
		landing: land,
		auditor: auditor,
		queue:   make(chan *core.RawRecord, queueSize),
		stopped: make(chan struct{}),
	}
}

// Commit lands and versions one record synchronously. Write conflicts are
// retried transparently; a stale record is not an error but is audited.
func (c *Committer) Commit(ctx context.Context, rec *core.RawRecord) (history.Delta, error) {
	rec.Finalize(time.Now().UTC())

	if c.landing != nil {
		if _, err := c.landing.Put(ctx, rec); err != nil {
			return "", fmt.Errorf("land record %s: %w", rec.Key(), err)
		}
	}
	return c.version(ctx, rec)
}

// version upserts with transparent conflict retry.
func (c *Committer) version(ctx context.Context, rec *core.RawRecord) (history.Delta, error) {
	var delta history.Delta
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		delta, err = c.history.Upsert(ctx, rec)
		if err == nil {
			break
		}
		if core.CodeOf(err) != core.CodeConflict {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", rec.Key(), err)
	}

	if delta == history.DeltaStale && c.auditor != nil {
		c.auditor.Record(ctx, audit.New(rec.SourceID, rec.EntityID,
			audit.ActionStaleRecord, audit.OutcomeRejected,
			fmt.Sprintf("external_id=%s hash=%s queued for review", rec.ExternalID, rec.ContentHash)))
	}
	return delta, nil
}

// Enqueue durably lands the record and queues versioning. It returns once
// the record cannot be lost; versioning completes in the background.
func (c *Committer) Enqueue(ctx context.Context, rec *core.RawRecord) error {
	rec.Finalize(time.Now().UTC())

	if c.landing != nil {
		if _, err := c.landing.Put(ctx, rec); err != nil {
			return fmt.Errorf("land record %s: %w", rec.Key(), err)
		}
	}

	c.stopMu.RLock()
	defer c.stopMu.RUnlock()
	select {
	case <-c.stopped:
		return fmt.Errorf("committer stopped")
	default:
	}

	select {
	case c.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches background workers draining the async queue.
func (c *Committer) Start(workers int) {
	if workers <= 0 {
		workers = 4
	}
	c.startOnce.Do(func() {
		for i := 0; i < workers; i++ {
			c.wg.Add(1)
			go c.drain()
		}
	})
}

func (c *Committer) drain() {
	defer c.wg.Done()
	for rec := range c.queue {
		// The record is already landed; versioning failures here are
		// recoverable by replay from the landing zone.
		if _, err := c.version(context.Background(), rec); err != nil {
			log.Printf("[pipeline] async commit %s: %v", rec.Key(), err)
			if c.auditor != nil {
				c.auditor.Record(context.Background(), audit.New(rec.SourceID, rec.EntityID,
					audit.ActionRecordFailure, audit.OutcomeFailure,
					fmt.Sprintf("async commit external_id=%s: %v", rec.ExternalID, err)))
			}
		}
	}
}

// Stop closes the queue and waits for in-flight commits to finish.
func (c *Committer) Stop() {
	c.stopOnce.Do(func() {
		c.stopMu.Lock()
		close(c.stopped)
		close(c.queue)
		c.stopMu.Unlock()
	})
	c.wg.Wait()
}
