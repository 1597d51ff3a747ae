// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"context"
	"errors"
	"fmt"
)

// writeJob is one queued remote write. A job with a nil run is a flush marker.
type writeJob struct {
	op      string
	run     func(ctx context.Context) error
	flushed chan struct{}
}

// enqueueLocked queues a write and moves the status to Syncing. Writes of one
// collection are issued strictly in call order by a single writer goroutine,
// so an older diff can never land after a newer one. Caller holds c.mu.
func (c *Collection[T]) enqueueLocked(op string, run func(ctx context.Context) error) {
	if !c.writes.push(writeJob{op: op, run: run}) {
		c.logger.Warn("Write queue closed, dropping write", "collection", c.name, "op", op)
		return
	}
	c.pending++
	if c.status.Kind != StatusSyncing {
		c.stickyStatus = false
		c.setStatusLocked(statusSyncing())
	}
}

func (c *Collection[T]) runWriter() {
	defer close(c.writerDone)

	for {
		job, ok := c.writes.pop()
		if !ok {
			return
		}
		if job.run == nil {
			close(job.flushed)
			continue
		}
		err := job.run(c.writeCtx)
		c.finishWrite(job, err)
	}
}

func (c *Collection[T]) finishWrite(job writeJob, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		// The replica is gone; the caller no longer observes this outcome.
		c.logger.Debug("Discarding write outcome after deactivation",
			"collection", c.name, "op", job.op, "error", err)
		return
	}

	c.pending--
	if err != nil {
		c.lastErr = err
		c.drainErr = err
		if errors.Is(err, ErrSchemaMismatch) {
			c.logger.Error("Remote schema does not match the row shape, write rejected",
				"collection", c.name, "op", job.op, "error", err)
		} else {
			c.logger.Warn("Remote write failed, replica keeps the optimistic state",
				"collection", c.name, "op", job.op, "error", err)
		}
	} else {
		c.lastErr = nil
	}

	if c.pending > 0 {
		return
	}
	if c.drainErr != nil {
		c.setStatusLocked(statusError(c.drainErr))
	} else {
		c.setStatusLocked(statusSaved())
	}
	c.drainErr = nil
}

// Flush blocks until every write queued before the call has been attempted.
// It returns ctx.Err() when ctx ends first. Flush never reports write
// failures; use Status or LastError for those.
func (c *Collection[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	started := c.writerStarted
	c.mu.Unlock()
	if !started {
		return nil
	}

	marker := make(chan struct{})
	if !c.writes.push(writeJob{op: "flush", flushed: marker}) {
		marker = nil
	}
	select {
	case <-marker:
		return nil
	case <-c.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushDelta issues the deletes of a diff before its upserts. Both halves are
// attempted even when the first one fails.
func (c *Collection[T]) pushDelta(ctx context.Context, d Delta[T]) error {
	var errs []error

	if len(d.ToDelete) > 0 {
		start := c.stageStart()
		err := c.remote.BulkDelete(ctx, c.name, d.ToDelete)
		c.observeStage(ctx, OpBulkDelete, start, len(d.ToDelete), err)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(d.ToUpsert) > 0 {
		rows, err := encodeRows(d.ToUpsert, c.cfg.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to encode rows for %s: %w", c.name, err))
		} else {
			start := c.stageStart()
			err = c.remote.BulkUpsert(ctx, c.name, rows)
			c.observeStage(ctx, OpBulkUpsert, start, len(rows), err)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Collection[T]) upsertOne(ctx context.Context, item T) error {
	row, err := EncodeRow(item, c.cfg.Now())
	if err != nil {
		return fmt.Errorf("failed to encode row for %s: %w", c.name, err)
	}
	start := c.stageStart()
	err = c.remote.UpsertOne(ctx, c.name, row)
	c.observeStage(ctx, OpUpsertOne, start, 1, err)
	return err
}

func (c *Collection[T]) deleteOne(ctx context.Context, id string) error {
	start := c.stageStart()
	err := c.remote.DeleteOne(ctx, c.name, id)
	c.observeStage(ctx, OpDeleteOne, start, 1, err)
	return err
}
