// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"context"
	"slices"
	"sync/atomic"
)

// replica holds the current snapshot of one collection. The stored slice is
// never modified in place: every mutation publishes a new slice, so Read can
// load it without taking the collection lock. Mutations themselves are
// serialized by Collection.mu.
type replica[T Entity] struct {
	cur atomic.Pointer[[]T]
}

func (r *replica[T]) load() []T {
	p := r.cur.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (r *replica[T]) store(items []T) {
	s := slices.Clone(items)
	if s == nil {
		s = []T{}
	}
	r.cur.Store(&s)
}

// put replaces the entity with the same id in place, or appends it.
func (r *replica[T]) put(e T) {
	cur := r.load()
	next := make([]T, 0, len(cur)+1)
	found := false
	for _, item := range cur {
		if item.EntityID() == e.EntityID() {
			if !found {
				next = append(next, e)
				found = true
			}
			continue
		}
		next = append(next, item)
	}
	if !found {
		next = append(next, e)
	}
	r.cur.Store(&next)
}

// remove drops every entity with the given id.
func (r *replica[T]) remove(id string) {
	cur := r.load()
	next := make([]T, 0, len(cur))
	for _, item := range cur {
		if item.EntityID() != id {
			next = append(next, item)
		}
	}
	r.cur.Store(&next)
}

// Read returns the current best-known snapshot. It never blocks and never
// waits for the remote store. The returned slice is owned by the caller; the
// entities inside it are shared and must not be modified in place.
func (c *Collection[T]) Read() []T {
	return slices.Clone(c.replica.load())
}

// Replace makes next the new snapshot. The change is visible to Read before
// Replace returns; the minimal delta against the previous snapshot is then
// pushed to the remote store in the background. Progress is reported through
// Status. Replace never returns remote failures.
func (c *Collection[T]) Replace(next []T) {
	c.replace(func([]T) []T { return next })
}

// ReplaceFunc is Replace with the next snapshot computed from the latest
// known one. update runs under the collection lock, so two quick calls never
// lose each other's changes. It must be pure: no calls back into the
// collection and no in-place modification of the entities it receives.
func (c *Collection[T]) ReplaceFunc(update func(prev []T) []T) {
	c.replace(update)
}

func (c *Collection[T]) replace(update func([]T) []T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsWritesLocked("replace") {
		return
	}

	// prev is captured in the same critical section as the optimistic apply so
	// an interleaved remote event cannot advance it before the diff.
	prev := c.replica.load()
	next := update(slices.Clone(prev))
	c.replica.store(next)

	delta := ComputeDelta(prev, next)
	if delta.Empty() {
		if c.pending == 0 && !c.stickyStatus {
			c.setStatusLocked(statusIdle())
		}
		return
	}

	c.logger.Debug("Queueing diffed write",
		"collection", c.name,
		"deletes", len(delta.ToDelete),
		"upserts", len(delta.ToUpsert))
	c.enqueueLocked("replace", func(ctx context.Context) error {
		return c.pushDelta(ctx, delta)
	})
}

// Add inserts item (or replaces the entity with the same id) and upserts that
// single row remotely.
func (c *Collection[T]) Add(item T) {
	c.putOne("add", item)
}

// Update replaces the entity with the same id (appending it if absent) and
// upserts that single row remotely.
func (c *Collection[T]) Update(item T) {
	c.putOne("update", item)
}

func (c *Collection[T]) putOne(op string, item T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsWritesLocked(op) {
		return
	}
	c.replica.put(item)
	c.enqueueLocked(op, func(ctx context.Context) error {
		return c.upsertOne(ctx, item)
	})
}

// Remove deletes the entity with the given id locally and remotely.
func (c *Collection[T]) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsWritesLocked("remove") {
		return
	}
	c.replica.remove(id)
	c.enqueueLocked("remove", func(ctx context.Context) error {
		return c.deleteOne(ctx, id)
	})
}
