// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgremote is a livesync.Remote backed by PostgreSQL. Each collection
// is a table with an id key, a JSONB data blob and an updated_at stamp; change
// events travel over LISTEN/NOTIFY.
package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-livesync/livesync"
)

type Store struct {
	pool   *pgxpool.Pool
	cfg    *Config
	logger *slog.Logger
}

var _ livesync.Remote = (*Store)(nil)

func New(pool *pgxpool.Pool, cfg *Config, logger *slog.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, cfg: cfg, logger: logger}
}

func (s *Store) FetchAll(ctx context.Context, collection string) ([]livesync.Row, error) {
	if err := s.validate(collection); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		/*language=postgresql*/ fmt.Sprintf(`SELECT id, data, updated_at FROM %s ORDER BY updated_at, id`,
			s.table(collection)))
	if err != nil {
		return nil, classify(livesync.OpFetchAll, collection, err)
	}
	out, err := pgx.CollectRows(rows, scanRow)
	if err != nil {
		return nil, classify(livesync.OpFetchAll, collection, err)
	}
	return out, nil
}

func (s *Store) UpsertOne(ctx context.Context, collection string, row livesync.Row) error {
	if err := s.validate(collection); err != nil {
		return err
	}
	args, err := upsertArgs(row)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, s.upsertSQL(collection), args); err != nil {
		return classify(livesync.OpUpsertOne, collection, err)
	}
	return nil
}

func (s *Store) DeleteOne(ctx context.Context, collection string, id string) error {
	if err := s.validate(collection); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		/*language=postgresql*/ fmt.Sprintf(`DELETE FROM %s WHERE id = @id`, s.table(collection)),
		pgx.NamedArgs{"id": id})
	if err != nil {
		return classify(livesync.OpDeleteOne, collection, err)
	}
	return nil
}

// BulkUpsert sends every row in one batch inside one transaction; any failure
// rolls back the whole batch.
func (s *Store) BulkUpsert(ctx context.Context, collection string, rows []livesync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.validate(collection); err != nil {
		return err
	}

	query := s.upsertSQL(collection)
	batch := &pgx.Batch{}
	for _, row := range rows {
		args, err := upsertArgs(row)
		if err != nil {
			return err
		}
		batch.Queue(query, args)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
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
	if err := s.validate(collection); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		/*language=postgresql*/ fmt.Sprintf(`DELETE FROM %s WHERE id = ANY(@ids)`, s.table(collection)),
		pgx.NamedArgs{"ids": ids})
	if err != nil {
		return classifyBatch(livesync.OpBulkDelete, collection, err)
	}
	return nil
}

// fetchOne re-reads a row announced by a notification. A row deleted in the
// meantime yields ok == false; its DELETE notification follows.
func (s *Store) fetchOne(ctx context.Context, collection, id string) (row livesync.Row, ok bool, err error) {
	rows, err := s.pool.Query(ctx,
		/*language=postgresql*/ fmt.Sprintf(`SELECT id, data, updated_at FROM %s WHERE id = @id`, s.table(collection)),
		pgx.NamedArgs{"id": id})
	if err != nil {
		return livesync.Row{}, false, err
	}
	row, err = pgx.CollectExactlyOneRow(rows, scanRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return livesync.Row{}, false, nil
	}
	if err != nil {
		return livesync.Row{}, false, err
	}
	return row, true, nil
}

func (s *Store) upsertSQL(collection string) string {
	return /*language=postgresql*/ fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at)
		VALUES (@id, @data, @updated_at)
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, s.table(collection))
}

func upsertArgs(row livesync.Row) (pgx.NamedArgs, error) {
	if row.ID == "" {
		return nil, fmt.Errorf("row has an empty id")
	}
	data := json.RawMessage(strings.TrimSpace(string(row.Data)))
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return pgx.NamedArgs{
		"id":         row.ID,
		"data":       data,
		"updated_at": updated.UTC(),
	}, nil
}

func scanRow(r pgx.CollectableRow) (livesync.Row, error) {
	var (
		row  livesync.Row
		data []byte
	)
	if err := r.Scan(&row.ID, &data, &row.UpdatedAt); err != nil {
		return livesync.Row{}, err
	}
	row.Data = json.RawMessage(data)
	return row, nil
}
