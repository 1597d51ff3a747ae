package pgremote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-livesync/livesync"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS livesync_test CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS livesync_test CASCADE`)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pool, &Config{Schema: "livesync_test", ChannelPrefix: "livesync_test_"}, logger), pool
}

func TestStore_Integration_RoundTripAndNotify(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, "tasks"))
	require.NoError(t, store.EnsureCollection(ctx, "tasks"))

	var (
		mu     sync.Mutex
		events []livesync.ChangeEvent
	)
	sub, err := store.Subscribe(ctx, "tasks", func(ev livesync.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.UpsertOne(ctx, "tasks", livesync.Row{ID: "a", Data: json.RawMessage(`{"title":"Count stock"}`)}))
	require.NoError(t, store.BulkUpsert(ctx, "tasks", []livesync.Row{
		{ID: "a", Data: json.RawMessage(`{"title":"Count stock","done":true}`)},
		{ID: "b", Data: json.RawMessage(`{"title":"Close shift"}`)},
	}))
	require.NoError(t, store.BulkDelete(ctx, "tasks", []string{"b"}))

	rows, err := store.FetchAll(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.JSONEq(t, `{"title":"Count stock","done":true}`, string(rows[0].Data))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(events)
		return n >= 3 && events[n-1].Op == livesync.OpDelete
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, livesync.OpInsert, events[0].Op)
	require.Equal(t, livesync.OpUpdate, events[1].Op)
	require.Equal(t, "a", events[1].ID)
	require.JSONEq(t, `{"title":"Count stock","done":true}`, string(events[1].Row.Data))
	// INSERT b may be skipped: the row is gone by the time it is re-read.
	require.Equal(t, "b", events[len(events)-1].ID)
}

func TestStore_Integration_SchemaMismatch(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	_, err := store.FetchAll(ctx, "absent")
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)

	_, err = pool.Exec(ctx, `CREATE SCHEMA livesync_test`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `CREATE TABLE livesync_test.legacy (id TEXT PRIMARY KEY, name TEXT, updated_at TIMESTAMPTZ)`)
	require.NoError(t, err)

	_, err = store.FetchAll(ctx, "legacy")
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)
}
