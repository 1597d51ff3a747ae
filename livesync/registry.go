// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Registry owns the live collections of one process. A collection name maps
// to at most one replica; every Acquire of that name shares it until the last
// Release.
type Registry struct {
	remote Remote
	cfg    *Config

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	coll  lifecycle
	refs  int
	ready chan struct{} // closed once activation finished
	err   error
}

type lifecycle interface {
	Name() string
	Deactivate()
}

func NewRegistry(remote Remote, cfg *Config) *Registry {
	return &Registry{
		remote:  remote,
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*registryEntry),
	}
}

// Acquire returns the shared replica for name, creating and activating it on
// first use. fallback seeds a new replica and is ignored when the replica
// already exists. Asking for an existing name with a different entity type
// fails with ErrCollectionType.
func Acquire[T Entity](ctx context.Context, r *Registry, name string, fallback []T) (*Collection[T], error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrInactive
	}

	if e, ok := r.entries[name]; ok {
		c, ok := e.coll.(*Collection[T])
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s already holds %T", ErrCollectionType, name, e.coll)
		}
		e.refs++
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			r.unref(name, e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return c, nil
	}

	c := NewCollection(name, r.remote, fallback, r.cfg)
	e := &registryEntry{coll: c, refs: 1, ready: make(chan struct{})}
	r.entries[name] = e
	r.mu.Unlock()

	err := c.Activate(ctx)
	e.err = err
	close(e.ready)
	if err != nil {
		r.mu.Lock()
		if r.entries[name] == e {
			delete(r.entries, name)
		}
		r.mu.Unlock()
		c.Deactivate()
		return nil, fmt.Errorf("failed to activate collection %s: %w", name, err)
	}
	return c, nil
}

// Release drops one reference to name. The replica is deactivated when the
// last reference goes away.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("collection %s is not acquired", name)
	}
	last := r.unrefLocked(name, e)
	r.mu.Unlock()

	if last {
		e.coll.Deactivate()
	}
	return nil
}

func (r *Registry) unref(name string, e *registryEntry) {
	r.mu.Lock()
	last := r.unrefLocked(name, e)
	r.mu.Unlock()

	if last {
		e.coll.Deactivate()
	}
}

// unrefLocked drops one reference held on e and reports whether e left the
// registry. An entry that was already replaced under name never touches its
// successor. Caller holds r.mu.
func (r *Registry) unrefLocked(name string, e *registryEntry) bool {
	e.refs--
	if e.refs > 0 || r.entries[name] != e {
		return false
	}
	delete(r.entries, name)
	return true
}

// Names lists the currently held collections in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close deactivates every held replica. Acquire fails with ErrInactive
// afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.coll.Deactivate()
	}
}
