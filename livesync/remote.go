// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"context"
	"encoding/json"
	"time"
)

// Change operations carried by a ChangeEvent
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Remote operation names used in errors, logs and stage metrics
const (
	OpFetchAll   = "fetch_all"
	OpUpsertOne  = "upsert_one"
	OpDeleteOne  = "delete_one"
	OpBulkUpsert = "bulk_upsert"
	OpBulkDelete = "bulk_delete"
	OpSubscribe  = "subscribe"
)

// Row is the storage shape of an entity: the identifier column, an opaque JSON
// object with every other attribute, and the last-modified timestamp.
type Row struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChangeEvent is one row-level change pushed by the store.
// Row is set for INSERT and UPDATE; ID is always set.
type ChangeEvent struct {
	Op  string `json:"op"`
	ID  string `json:"id"`
	Row *Row   `json:"row,omitempty"`
}

// Remote is the access adapter for one remote store. Every method may be
// called concurrently for different collections.
type Remote interface {
	// FetchAll returns every row of the collection. Not retried.
	FetchAll(ctx context.Context, collection string) ([]Row, error)
	// UpsertOne inserts or replaces a single row.
	UpsertOne(ctx context.Context, collection string, row Row) error
	// DeleteOne removes a single row. Deleting a missing row is not an error.
	DeleteOne(ctx context.Context, collection string, id string) error
	// BulkUpsert inserts or replaces rows; failure is reported for the whole batch.
	BulkUpsert(ctx context.Context, collection string, rows []Row) error
	// BulkDelete removes rows by id; failure is reported for the whole batch.
	BulkDelete(ctx context.Context, collection string, ids []string) error
	// Subscribe opens a push channel delivering every change of the collection,
	// including echoes of this client's own writes, to onEvent in arrival order.
	Subscribe(ctx context.Context, collection string, onEvent func(ChangeEvent)) (Subscription, error)
}

// Subscription is a handle for an open push channel.
type Subscription interface {
	// Done is closed once delivery has stopped, either after Close or after
	// the channel dropped.
	Done() <-chan struct{}
	// Err reports why delivery stopped: nil after Close, an error matching
	// ErrChannelDropped after a drop.
	Err() error
	// Close stops delivery and frees server-side resources. No callback runs
	// after Close returns. Safe to call more than once.
	Close() error
}
