// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/go-livesync/livesync"
)

// EnsureCollection creates the table for name together with the row trigger
// that announces every change on the collection's notification channel.
//
// The notification payload carries only the operation and the id. NOTIFY
// payloads are capped at 8000 bytes and a data blob with embedded images
// easily exceeds that, so subscribers re-read the row.
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	if err := s.validate(name); err != nil {
		return err
	}

	table := s.table(name)
	fn := pgx.Identifier{s.cfg.Schema, name + "_livesync_notify"}.Sanitize()
	trigger := pgx.Identifier{name + "_livesync_notify"}.Sanitize()
	channel := "'" + s.channel(name) + "'"

	stmts := []string{
		/*language=postgresql*/ fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.cfg.Schema}.Sanitize()),

		/*language=postgresql*/ fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT        PRIMARY KEY,
			data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),

		/*language=postgresql*/ fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger
		LANGUAGE plpgsql AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				PERFORM pg_notify(%s, json_build_object('op', TG_OP, 'id', OLD.id)::text);
				RETURN OLD;
			END IF;
			PERFORM pg_notify(%s, json_build_object('op', TG_OP, 'id', NEW.id)::text);
			RETURN NEW;
		END
		$$`, fn, channel, channel),

		/*language=postgresql*/ fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, table),

		/*language=postgresql*/ fmt.Sprintf(`CREATE TRIGGER %s
		AFTER INSERT OR UPDATE OR DELETE ON %s
		FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, table, fn),
	}

	if err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	s.logger.Debug("Collection table ready", "collection", name, "channel", s.channel(name))
	return nil
}

func (s *Store) validate(name string) error {
	if err := livesync.ValidateCollectionName(name); err != nil {
		return err
	}
	if len(s.channel(name)) > 63 {
		return fmt.Errorf("%w: channel name for %q exceeds 63 bytes", livesync.ErrInvalidName, name)
	}
	return nil
}

func (s *Store) table(name string) string {
	return pgx.Identifier{s.cfg.Schema, name}.Sanitize()
}

func (s *Store) channel(name string) string {
	return s.cfg.ChannelPrefix + name
}
