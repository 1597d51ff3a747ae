// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package sqliteremote is an embedded livesync.Remote backed by SQLite. Change
// events are published in-process after each commit.
package sqliteremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-livesync/changefeed"
	"github.com/mobiletoly/go-livesync/livesync"
)

// Store keeps one table per collection with the id/data/updated_at shape.
type Store struct {
	db     *sql.DB
	hub    *changefeed.Hub
	logger *slog.Logger

	// writeMu spans commit and publish so events leave in commit order.
	writeMu sync.Mutex
}

var _ livesync.Remote = (*Store)(nil)

// Open opens (or creates) the database at dsn. Use ":memory:" for a private
// in-memory database.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &Store{
		db:     db,
		hub:    changefeed.NewHub(changefeed.DefaultConfig(), logger),
		logger: logger,
	}, nil
}

// Close ends every subscription and closes the database.
func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Hub() *changefeed.Hub { return s.hub }

// EnsureCollection creates the table for name if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	if err := livesync.ValidateCollectionName(name); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		data       TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
	)`, quote(name))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	s.logger.Debug("Collection table ready", "collection", name)
	return nil
}

func (s *Store) FetchAll(ctx context.Context, collection string) ([]livesync.Row, error) {
	if err := livesync.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, data, updated_at FROM %s ORDER BY rowid`, quote(collection)))
	if err != nil {
		return nil, classify(livesync.OpFetchAll, collection, err)
	}
	defer rows.Close()

	var out []livesync.Row
	for rows.Next() {
		var (
			id, updated string
			data        sql.NullString
		)
		if err := rows.Scan(&id, &data, &updated); err != nil {
			return nil, classify(livesync.OpFetchAll, collection, err)
		}
		out = append(out, livesync.Row{
			ID:        id,
			Data:      json.RawMessage(data.String),
			UpdatedAt: parseTime(updated),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(livesync.OpFetchAll, collection, err)
	}
	return out, nil
}

func (s *Store) UpsertOne(ctx context.Context, collection string, row livesync.Row) error {
	err := s.inTx(ctx, livesync.OpUpsertOne, collection, func(tx *sql.Tx) ([]livesync.ChangeEvent, error) {
		ev, err := upsertRow(ctx, tx, collection, row)
		if err != nil {
			return nil, err
		}
		return []livesync.ChangeEvent{ev}, nil
	})
	if err != nil {
		return classify(livesync.OpUpsertOne, collection, err)
	}
	return nil
}

func (s *Store) DeleteOne(ctx context.Context, collection string, id string) error {
	err := s.inTx(ctx, livesync.OpDeleteOne, collection, func(tx *sql.Tx) ([]livesync.ChangeEvent, error) {
		return deleteRows(ctx, tx, collection, []string{id})
	})
	if err != nil {
		return classify(livesync.OpDeleteOne, collection, err)
	}
	return nil
}

// BulkUpsert writes every row in one transaction; any failure rolls back the
// whole batch.
func (s *Store) BulkUpsert(ctx context.Context, collection string, rows []livesync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.inTx(ctx, livesync.OpBulkUpsert, collection, func(tx *sql.Tx) ([]livesync.ChangeEvent, error) {
		events := make([]livesync.ChangeEvent, 0, len(rows))
		for _, row := range rows {
			ev, err := upsertRow(ctx, tx, collection, row)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	})
	if err != nil {
		return classifyBatch(livesync.OpBulkUpsert, collection, err)
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.inTx(ctx, livesync.OpBulkDelete, collection, func(tx *sql.Tx) ([]livesync.ChangeEvent, error) {
		return deleteRows(ctx, tx, collection, ids)
	})
	if err != nil {
		return classifyBatch(livesync.OpBulkDelete, collection, err)
	}
	return nil
}

// Subscribe delivers committed changes of collection to onEvent. A consumer
// that falls too far behind is dropped with livesync.ErrChannelDropped.
func (s *Store) Subscribe(_ context.Context, collection string, onEvent func(livesync.ChangeEvent)) (livesync.Subscription, error) {
	if err := livesync.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	l, err := s.hub.Listen(collection, onEvent)
	if err != nil {
		return nil, livesync.NewRemoteError(livesync.OpSubscribe, collection, livesync.ErrChannelDropped, err)
	}
	return l, nil
}

func (s *Store) inTx(
	ctx context.Context, op, collection string, fn func(tx *sql.Tx) ([]livesync.ChangeEvent, error),
) error {
	if err := livesync.ValidateCollectionName(collection); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	events, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", "collection", collection, "op", op, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.publish(collection, events)
	return nil
}

func (s *Store) publish(collection string, events []livesync.ChangeEvent) {
	for _, ev := range events {
		s.hub.Publish(collection, ev)
	}
}

func upsertRow(ctx context.Context, tx *sql.Tx, collection string, row livesync.Row) (livesync.ChangeEvent, error) {
	if row.ID == "" {
		return livesync.ChangeEvent{}, fmt.Errorf("row has an empty id")
	}
	data := normalizeData(row.Data)
	if !isJSONObject(data) {
		return livesync.ChangeEvent{}, fmt.Errorf("data of row %s is not a JSON object", row.ID)
	}
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	updated = updated.UTC()

	var exists int
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, quote(collection)), row.ID).Scan(&exists)
	if err != nil {
		return livesync.ChangeEvent{}, err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		quote(collection)), row.ID, string(data), updated.Format(time.RFC3339Nano))
	if err != nil {
		return livesync.ChangeEvent{}, err
	}

	op := livesync.OpInsert
	if exists > 0 {
		op = livesync.OpUpdate
	}
	written := livesync.Row{ID: row.ID, Data: data, UpdatedAt: updated}
	return livesync.ChangeEvent{Op: op, ID: row.ID, Row: &written}, nil
}

func deleteRows(ctx context.Context, tx *sql.Tx, collection string, ids []string) ([]livesync.ChangeEvent, error) {
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quote(collection)))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var events []livesync.ChangeEvent
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return nil, err
		}
		// Only rows that existed produce an event, as a row trigger would.
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			events = append(events, livesync.ChangeEvent{Op: livesync.OpDelete, ID: id})
		}
	}
	return events, nil
}

func quote(name string) string {
	return `"` + name + `"`
}

func normalizeData(data json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

func isJSONObject(data json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(data, &obj) == nil && obj != nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
