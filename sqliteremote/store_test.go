package sqliteremote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-livesync/livesync"
)

func openTestStore(t *testing.T, collections ...string) *Store {
	t.Helper()
	store, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, name := range collections {
		require.NoError(t, store.EnsureCollection(context.Background(), name))
	}
	return store
}

type eventLog struct {
	mu     sync.Mutex
	events []livesync.ChangeEvent
}

func (l *eventLog) add(ev livesync.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Op+" "+ev.ID)
	}
	return out
}

func TestStore_UpsertFetchDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "products")
	stamp := time.Date(2025, 5, 1, 8, 30, 0, 123000000, time.UTC)

	require.NoError(t, store.UpsertOne(ctx, "products", livesync.Row{
		ID: "1", Data: json.RawMessage(`{"name":"Salmon"}`), UpdatedAt: stamp,
	}))
	require.NoError(t, store.BulkUpsert(ctx, "products", []livesync.Row{
		{ID: "2", Data: json.RawMessage(`{"name":"Rice"}`)},
		{ID: "3"},
	}))
	require.NoError(t, store.UpsertOne(ctx, "products", livesync.Row{
		ID: "1", Data: json.RawMessage(`{"name":"Salmon","unit":"Kg"}`), UpdatedAt: stamp,
	}))

	rows, err := store.FetchAll(ctx, "products")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "1", rows[0].ID)
	require.JSONEq(t, `{"name":"Salmon","unit":"Kg"}`, string(rows[0].Data))
	require.True(t, rows[0].UpdatedAt.Equal(stamp))
	require.JSONEq(t, `{}`, string(rows[2].Data))

	require.NoError(t, store.BulkDelete(ctx, "products", []string{"1", "missing"}))
	require.NoError(t, store.DeleteOne(ctx, "products", "2"))

	rows, err = store.FetchAll(ctx, "products")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "3", rows[0].ID)
}

func TestStore_SubscribeSeesCommittedChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "tasks")

	var log eventLog
	sub, err := store.Subscribe(ctx, "tasks", log.add)
	require.NoError(t, err)

	require.NoError(t, store.UpsertOne(ctx, "tasks", livesync.Row{ID: "a", Data: json.RawMessage(`{"done":false}`)}))
	require.NoError(t, store.UpsertOne(ctx, "tasks", livesync.Row{ID: "a", Data: json.RawMessage(`{"done":true}`)}))
	require.NoError(t, store.BulkDelete(ctx, "tasks", []string{"a", "never-existed"}))

	require.Eventually(t, func() bool { return len(log.ops()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"INSERT a", "UPDATE a", "DELETE a"}, log.ops())

	log.mu.Lock()
	update := log.events[1]
	log.mu.Unlock()
	require.NotNil(t, update.Row)
	require.JSONEq(t, `{"done":true}`, string(update.Row.Data))

	require.NoError(t, sub.Close())
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done after Close")
	}
	require.NoError(t, sub.Err())
}

func TestStore_FailedBatchIsRolledBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "tasks")

	var log eventLog
	sub, err := store.Subscribe(ctx, "tasks", log.add)
	require.NoError(t, err)
	defer sub.Close()

	err = store.BulkUpsert(ctx, "tasks", []livesync.Row{
		{ID: "ok", Data: json.RawMessage(`{"v":1}`)},
		{ID: "bad", Data: json.RawMessage(`[1,2,3]`)},
	})
	require.ErrorIs(t, err, livesync.ErrPartialBatch)

	rows, err := store.FetchAll(ctx, "tasks")
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Empty(t, log.ops())
}

func TestStore_SchemaErrors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.FetchAll(ctx, "missing")
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)

	_, err = store.DB().Exec(`CREATE TABLE legacy (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	_, err = store.FetchAll(ctx, "legacy")
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)
	require.Equal(t, livesync.ErrSchemaMismatch, livesync.KindOf(err))

	err = store.BulkUpsert(ctx, "legacy", []livesync.Row{{ID: "1"}})
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)
}

func TestStore_RejectsInvalidNames(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.ErrorIs(t, store.EnsureCollection(ctx, `x"; DROP TABLE y; --`), livesync.ErrInvalidName)
	_, err := store.FetchAll(ctx, "Bad-Name")
	require.ErrorIs(t, err, livesync.ErrInvalidName)
	require.ErrorIs(t, store.UpsertOne(ctx, "", livesync.Row{ID: "1"}), livesync.ErrInvalidName)
}

// Two replicas of one collection converge through the store.
func TestStore_ReplicasConverge(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "inventory_items")
	cfg := livesync.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.StatusDisplay = -1

	a := livesync.NewCollection[livesync.Document]("inventory_items", store, nil, cfg)
	b := livesync.NewCollection[livesync.Document]("inventory_items", store, nil, cfg)
	require.NoError(t, a.Activate(ctx))
	defer a.Deactivate()
	require.NoError(t, b.Activate(ctx))
	defer b.Deactivate()

	a.Replace([]livesync.Document{
		{"id": "inv1", "name": "Salmon", "unit": "Kg", "quantity": 4},
		{"id": "inv2", "name": "Rice", "unit": "Kg", "quantity": 10},
	})
	require.NoError(t, a.Flush(ctx))
	require.Equal(t, livesync.StatusSaved, a.Status().Kind)

	require.Eventually(t, func() bool { return len(b.Read()) == 2 }, time.Second, 5*time.Millisecond)

	b.ReplaceFunc(func(prev []livesync.Document) []livesync.Document {
		next := make([]livesync.Document, 0, len(prev))
		for _, d := range prev {
			if d.EntityID() != "inv1" {
				next = append(next, d)
			}
		}
		return next
	})
	require.NoError(t, b.Flush(ctx))

	require.Eventually(t, func() bool {
		got := a.Read()
		return len(got) == 1 && got[0].EntityID() == "inv2"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, json.Number("10"), a.Read()[0]["quantity"])
}
