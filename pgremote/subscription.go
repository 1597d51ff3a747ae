// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-livesync/livesync"
)

// notification is the payload written by the collection trigger.
type notification struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

type subscription struct {
	store      *Store
	collection string
	onEvent    func(livesync.ChangeEvent)
	conn       *pgxpool.Conn

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Subscribe holds a dedicated pool connection in LISTEN mode for the
// collection channel. Notifications are delivered in commit order from a
// single goroutine; for INSERT and UPDATE the row is re-read before delivery.
func (s *Store) Subscribe(ctx context.Context, collection string, onEvent func(livesync.ChangeEvent)) (livesync.Subscription, error) {
	if err := s.validate(collection); err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(livesync.OpSubscribe, collection, err)
	}
	channel := pgx.Identifier{s.channel(collection)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, classify(livesync.OpSubscribe, collection, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		store:      s,
		collection: collection,
		onEvent:    onEvent,
		conn:       conn,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go sub.run(runCtx)

	s.logger.Debug("Listening for changes", "collection", collection, "channel", s.channel(collection))
	return sub, nil
}

func (sub *subscription) run(ctx context.Context) {
	defer close(sub.done)
	defer sub.releaseConn()

	for {
		n, err := sub.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.mu.Lock()
			sub.err = livesync.NewRemoteError(livesync.OpSubscribe, sub.collection, livesync.ErrChannelDropped, err)
			sub.mu.Unlock()
			sub.store.logger.Warn("Notification channel dropped", "collection", sub.collection, "error", err)
			return
		}
		sub.deliver(ctx, n.Payload)
	}
}

func (sub *subscription) deliver(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.ID == "" {
		sub.store.logger.Warn("Ignoring malformed notification",
			"collection", sub.collection, "payload", payload, "error", err)
		return
	}

	switch n.Op {
	case livesync.OpDelete:
		sub.onEvent(livesync.ChangeEvent{Op: n.Op, ID: n.ID})
	case livesync.OpInsert, livesync.OpUpdate:
		row, ok, err := sub.store.fetchOne(ctx, sub.collection, n.ID)
		if err != nil {
			if ctx.Err() == nil {
				sub.store.logger.Warn("Failed to read changed row",
					"collection", sub.collection, "id", n.ID, "error", err)
			}
			return
		}
		if !ok {
			return
		}
		sub.onEvent(livesync.ChangeEvent{Op: n.Op, ID: n.ID, Row: &row})
	default:
		sub.store.logger.Warn("Ignoring notification with unknown op",
			"collection", sub.collection, "op", n.Op)
	}
}

// releaseConn returns the listening connection to the pool with no channel
// registered. A connection that cannot be cleaned up is closed instead.
func (sub *subscription) releaseConn() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := sub.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = sub.conn.Conn().Close(ctx)
	}
	sub.conn.Release()
}

func (sub *subscription) Done() <-chan struct{} {
	return sub.done
}

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close stops delivery and waits for the listening goroutine. It must not be
// called from inside the event callback.
func (sub *subscription) Close() error {
	sub.once.Do(sub.cancel)
	<-sub.done
	return nil
}
