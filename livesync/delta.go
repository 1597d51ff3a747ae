// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"bytes"
	"encoding/json"
)

// Delta is the minimal set of remote writes that moves a collection from one
// snapshot to another.
type Delta[T Entity] struct {
	ToDelete []string
	ToUpsert []T
}

// Empty reports whether the delta requires no remote call.
func (d Delta[T]) Empty() bool {
	return len(d.ToDelete) == 0 && len(d.ToUpsert) == 0
}

// ComputeDelta compares two snapshots by identifier.
//
// ToDelete holds ids present in prev but absent from next, in prev order.
// ToUpsert holds entities of next that are new or whose JSON form differs from
// the prev entity with the same id, in next order. Entities equal under deep
// comparison are never included: attribute bags can carry large embedded
// images and must not be re-sent on unrelated mutations.
//
// When an id repeats inside one snapshot the later entity wins.
func ComputeDelta[T Entity](prev, next []T) Delta[T] {
	prevByID := make(map[string]T, len(prev))
	for _, e := range prev {
		prevByID[e.EntityID()] = e
	}

	lastInNext := make(map[string]int, len(next))
	for i, e := range next {
		lastInNext[e.EntityID()] = i
	}

	var d Delta[T]
	seen := make(map[string]bool, len(prev))
	for _, e := range prev {
		id := e.EntityID()
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := lastInNext[id]; !ok {
			d.ToDelete = append(d.ToDelete, id)
		}
	}

	for i, e := range next {
		id := e.EntityID()
		if lastInNext[id] != i {
			continue
		}
		old, ok := prevByID[id]
		if !ok || !deepEqual(old, e) {
			d.ToUpsert = append(d.ToUpsert, e)
		}
	}
	return d
}

// deepEqual compares entities by their JSON encoding. encoding/json emits map
// keys in sorted order, so equal attribute bags encode to equal bytes and
// numbers compare by value rather than by the Go type that carried them.
// Entities that cannot be encoded are treated as changed.
func deepEqual[T Entity](a, b T) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
