// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

// handleEvent folds one inbound change into the replica. Events are applied
// without comparing timestamps or versions: the latest event received wins.
// Applying the same event twice leaves the replica as applying it once.
// Inbound events never touch Status.
func (c *Collection[T]) handleEvent(ev ChangeEvent) {
	var item T
	switch ev.Op {
	case OpInsert, OpUpdate:
		if ev.Row == nil {
			c.logger.Warn("Change event without row, skipping",
				"collection", c.name, "op", ev.Op, "id", ev.ID)
			return
		}
		decoded, err := DecodeRow[T](*ev.Row)
		if err != nil {
			c.logger.Warn("Failed to decode change event, skipping",
				"collection", c.name, "op", ev.Op, "id", ev.Row.ID, "error", err)
			return
		}
		item = decoded
	case OpDelete:
		if ev.ID == "" {
			c.logger.Warn("Delete event without id, skipping", "collection", c.name)
			return
		}
	default:
		c.logger.Warn("Unknown change event op, skipping",
			"collection", c.name, "op", ev.Op)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.applyEventLocked(ev.Op, ev.ID, item)
}

func (c *Collection[T]) applyEventLocked(op, id string, item T) {
	switch op {
	case OpInsert, OpUpdate:
		// Remove-then-append: the changed entity moves to the end.
		c.replica.remove(item.EntityID())
		c.replica.store(append(c.replica.load(), item))
		c.logger.Debug("Merged remote change", "collection", c.name, "op", op, "id", item.EntityID())
	case OpDelete:
		c.replica.remove(id)
		c.logger.Debug("Merged remote delete", "collection", c.name, "id", id)
	}
}
