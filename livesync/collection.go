// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Collection is the live replica of one remote collection. Reads are served
// from memory, local mutations are applied optimistically and pushed to the
// remote store in the background, and changes made by other clients are
// merged in as they arrive.
//
// A Collection is safe for concurrent use.
type Collection[T Entity] struct {
	name   string
	remote Remote
	cfg    *Config
	logger *slog.Logger

	replica replica[T]

	mu           sync.Mutex
	state        State
	loading      bool
	stale        bool
	closed       bool
	status       Status
	stickyStatus bool // load failure; survives no-op replaces
	statusSeq    uint64
	resetTimer   *time.Timer
	lastErr      error
	pending      int
	drainErr     error
	sub          Subscription

	listeners    map[uint64]func(Status)
	nextListener uint64
	notices      *fifo[Status]

	writes        *fifo[writeJob]
	writeCtx      context.Context
	writerStarted bool
	writerDone    chan struct{}
	done          chan struct{}
}

// NewCollection creates an inactive replica seeded with fallback. Call
// Activate to load the remote contents and start receiving changes.
func NewCollection[T Entity](name string, remote Remote, fallback []T, cfg *Config) *Collection[T] {
	cfg = cfg.withDefaults()
	c := &Collection[T]{
		name:       name,
		remote:     remote,
		cfg:        cfg,
		logger:     cfg.Logger.With("collection", name),
		listeners:  make(map[uint64]func(Status)),
		notices:    newFIFO[Status](),
		writes:     newFIFO[writeJob](),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.replica.store(fallback)
	return c
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Loading reports whether the initial fetch is still in flight.
func (c *Collection[T]) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Stale reports that the push channel could not be opened or has dropped.
// The replica keeps serving reads and accepting writes but no longer sees
// changes made by other clients.
func (c *Collection[T]) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// LastError returns the cause of the most recent failure, cleared by the next
// successful remote write.
func (c *Collection[T]) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Collection[T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers fn to observe status transitions. Listeners run on a
// dedicated goroutine, one at a time, in transition order. The returned
// function unregisters fn.
func (c *Collection[T]) OnStatus(fn func(Status)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Activate performs the initial fetch and opens the push channel. A failed
// fetch keeps the fallback contents, leaves Status at Error and is not
// returned: the replica stays usable. Only misuse is reported, such as
// activating twice or after Deactivate.
func (c *Collection[T]) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInactive
	}
	if c.state != StateInactive {
		c.mu.Unlock()
		return fmt.Errorf("collection %s is already activated", c.name)
	}
	c.state = StateLoading
	c.loading = true
	c.writeCtx = context.WithoutCancel(ctx)
	c.writerStarted = true
	go c.runWriter()
	go c.runNotifier()
	c.mu.Unlock()

	c.logger.Debug("Loading collection")
	seed, err := c.load(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInactive
	}
	c.loading = false
	if err != nil {
		c.lastErr = err
		c.setStatusLocked(statusError(err))
		c.stickyStatus = true
		if errors.Is(err, ErrSchemaMismatch) {
			c.logger.Error("CRITICAL: remote collection does not have the expected id/data/updated_at shape; serving fallback contents",
				"error", err)
		} else {
			c.logger.Warn("Initial fetch failed, serving fallback contents", "error", err)
		}
	} else if len(seed) > 0 {
		c.replica.store(seed)
	} else {
		c.logger.Debug("Remote collection is empty, keeping fallback contents")
	}
	c.mu.Unlock()

	start := c.stageStart()
	sub, err := c.remote.Subscribe(ctx, c.name, c.handleEvent)
	c.observeStage(ctx, OpSubscribe, start, 0, err)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return ErrInactive
	}
	if err != nil {
		c.stale = true
		if c.lastErr == nil {
			c.lastErr = err
		}
		c.logger.Warn("Failed to open push channel, replica will not see remote changes", "error", err)
	} else {
		c.sub = sub
		go c.watchSubscription(sub)
	}
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("Collection active", "items", len(c.replica.load()), "stale", err != nil)
	return nil
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	start := c.stageStart()
	rows, err := c.remote.FetchAll(ctx, c.name)
	c.observeStage(ctx, OpFetchAll, start, len(rows), err)
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := DecodeRow[T](row)
		if err != nil {
			c.logger.Warn("Skipping undecodable row", "id", row.ID, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Collection[T]) watchSubscription(sub Subscription) {
	select {
	case <-sub.Done():
	case <-c.done:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stale = true
	if err := sub.Err(); err != nil {
		c.lastErr = err
		c.logger.Warn("Push channel dropped, replica is stale", "error", err)
	} else {
		c.logger.Warn("Push channel closed by remote, replica is stale")
	}
}

// Deactivate closes the push channel and stops observing write outcomes.
// Writes already queued are still sent but their results are discarded.
// Deactivate is idempotent.
func (c *Collection[T]) Deactivate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateInactive
	c.loading = false
	sub := c.sub
	c.sub = nil
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.writes.close()
	c.notices.close()
	close(c.done)
	c.mu.Unlock()

	// Closed outside the lock: the delivery goroutine may be waiting on c.mu.
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Debug("Error closing push channel", "error", err)
		}
	}
	c.logger.Debug("Collection deactivated")
}

// setStatusLocked records a transition and schedules the return to Idle for
// Saved and Error. Caller holds c.mu.
func (c *Collection[T]) setStatusLocked(s Status) {
	c.statusSeq++
	c.stickyStatus = false
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}

	changed := c.status.Kind != s.Kind || s.Kind == StatusError
	c.status = s

	if (s.Kind == StatusSaved || s.Kind == StatusError) && c.cfg.StatusDisplay > 0 {
		seq := c.statusSeq
		c.resetTimer = time.AfterFunc(c.cfg.StatusDisplay, func() { c.expireStatus(seq) })
	}
	if changed {
		c.notices.push(s)
	}
}

// expireStatus returns Saved or Error to Idle unless a newer transition
// happened in the meantime. A load failure stays visible.
func (c *Collection[T]) expireStatus(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || seq != c.statusSeq || c.stickyStatus {
		return
	}
	c.setStatusLocked(statusIdle())
}

func (c *Collection[T]) runNotifier() {
	for {
		s, ok := c.notices.pop()
		if !ok {
			return
		}
		c.mu.Lock()
		fns := make([]func(Status), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
	}
}

// acceptsWritesLocked rejects mutations outside the active lifecycle and
// while the initial fetch is in flight, since the fetched snapshot replaces
// the replica wholesale. Caller holds c.mu.
func (c *Collection[T]) acceptsWritesLocked(op string) bool {
	if c.closed || c.state == StateInactive {
		c.logger.Warn("Ignoring mutation on inactive collection", "op", op)
		return false
	}
	if c.loading {
		c.logger.Warn("Ignoring mutation while initial fetch is in flight", "op", op)
		return false
	}
	return true
}
