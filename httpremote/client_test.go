package httpremote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-livesync/livesync"
	"github.com/mobiletoly/go-livesync/sqliteremote"
	"github.com/mobiletoly/go-livesync/syncserver"
)

type task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func (t task) EntityID() string { return t.ID }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store  *sqliteremote.Store
	server *syncserver.Server
	http   *httptest.Server
	client *Client
}

// newHarness runs a syncserver over in-memory SQLite exposing "tasks" and
// "ghost"; "ghost" has no table.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqliteremote.Open(":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureCollection(context.Background(), "tasks"))

	cfg := syncserver.DefaultServerConfig()
	cfg.Collections = []string{"tasks", "ghost"}
	cfg.JWTSecret = "test-secret"
	cfg.Logger = quietLogger()
	srv, err := syncserver.NewServer(store, cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler)
	t.Cleanup(hs.Close)

	token, err := srv.JWTAuth.GenerateToken("tester", "device-1", time.Hour)
	require.NoError(t, err)
	client, err := New(hs.URL, StaticToken(token), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	return &harness{store: store, server: srv, http: hs, client: client}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("ftp://example.com", StaticToken("x"), nil)
	require.Error(t, err)

	_, err = New("http://example.com", nil, nil)
	require.Error(t, err)

	c, err := New("http://example.com/api/", StaticToken("x"), nil)
	require.NoError(t, err)
	require.Equal(t, "http://example.com/api/v1/collections/tasks/rows/a%2Fb", c.collectionURL("tasks", "/rows/a%2Fb"))
}

func TestClient_RemoteOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.client.UpsertOne(ctx, "tasks", livesync.Row{ID: "1", Data: json.RawMessage(`{"title":"Open"}`)}))
	require.NoError(t, h.client.BulkUpsert(ctx, "tasks", []livesync.Row{
		{ID: "2", Data: json.RawMessage(`{"title":"Count cash"}`)},
		{ID: "3", Data: json.RawMessage(`{"title":"Close"}`)},
	}))

	rows, err := h.client.FetchAll(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "1", rows[0].ID)
	require.JSONEq(t, `{"title":"Open"}`, string(rows[0].Data))

	require.NoError(t, h.client.DeleteOne(ctx, "tasks", "1"))
	require.NoError(t, h.client.BulkDelete(ctx, "tasks", []string{"2", "missing"}))

	rows, err = h.client.FetchAll(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "3", rows[0].ID)

	// Identifiers are path-escaped.
	require.NoError(t, h.client.UpsertOne(ctx, "tasks", livesync.Row{ID: "a/b c", Data: json.RawMessage(`{}`)}))
	rows, err = h.store.FetchAll(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a/b c", rows[1].ID)
	require.NoError(t, h.client.DeleteOne(ctx, "tasks", "a/b c"))

	// Empty batches never reach the server.
	require.NoError(t, h.client.BulkUpsert(ctx, "tasks", nil))
	require.NoError(t, h.client.BulkDelete(ctx, "tasks", nil))
}

func TestClient_ErrorKinds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.client.FetchAll(ctx, "ghost")
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)

	_, err = h.client.FetchAll(ctx, "orders")
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)
	require.ErrorIs(t, err, ErrUnregistered)

	err = h.client.BulkUpsert(ctx, "tasks", []livesync.Row{{ID: "x", Data: json.RawMessage(`"scalar"`)}})
	require.ErrorIs(t, err, livesync.ErrPartialBatch)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.StatusCode)

	_, err = h.client.FetchAll(ctx, "Bad Name")
	require.ErrorIs(t, err, livesync.ErrInvalidName)

	bad, err := New(h.http.URL, StaticToken("not-a-token"), &Options{Logger: quietLogger()})
	require.NoError(t, err)
	_, err = bad.FetchAll(ctx, "tasks")
	require.ErrorIs(t, err, livesync.ErrTransient)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = bad.Subscribe(ctx, "tasks", func(livesync.ChangeEvent) {})
	require.ErrorIs(t, err, ErrUnauthorized)

	h.http.Close()
	_, err = h.client.FetchAll(ctx, "tasks")
	require.ErrorIs(t, err, livesync.ErrTransient)
}

func TestClient_SubscribeDeliversAndCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var (
		mu     sync.Mutex
		events []livesync.ChangeEvent
	)
	sub, err := h.client.Subscribe(ctx, "tasks", func(ev livesync.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	require.NoError(t, err)

	require.NoError(t, h.store.UpsertOne(ctx, "tasks", livesync.Row{ID: "1", Data: json.RawMessage(`{"title":"A"}`)}))
	require.NoError(t, h.store.DeleteOne(ctx, "tasks", "1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, livesync.OpInsert, events[0].Op)
	require.NotNil(t, events[0].Row)
	require.Equal(t, livesync.OpDelete, events[1].Op)
	mu.Unlock()

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Err())
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
	require.NoError(t, sub.Close())
}

func TestClient_SubscribeReportsDrop(t *testing.T) {
	h := newHarness(t)

	sub, err := h.client.Subscribe(context.Background(), "tasks", func(livesync.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Close()

	h.store.Hub().Close()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not report the drop")
	}
	require.ErrorIs(t, sub.Err(), livesync.ErrChannelDropped)
}

// Two replicas on different "devices" converge through the server.
func TestCollection_OverHTTP(t *testing.T) {
	h := newHarness(t)
	token2, err := h.server.JWTAuth.GenerateToken("tester", "device-2", time.Hour)
	require.NoError(t, err)
	client2, err := New(h.http.URL, StaticToken(token2), &Options{Logger: quietLogger()})
	require.NoError(t, err)

	cfg := livesync.DefaultConfig()
	cfg.Logger = quietLogger()
	cfg.StatusDisplay = -1

	ctx := context.Background()
	a := livesync.NewCollection("tasks", livesync.Remote(h.client), []task{{ID: "seed", Title: "Fallback"}}, cfg)
	require.NoError(t, a.Activate(ctx))
	defer a.Deactivate()
	require.Equal(t, []task{{ID: "seed", Title: "Fallback"}}, a.Read())

	b := livesync.NewCollection[task]("tasks", client2, nil, cfg)
	require.NoError(t, b.Activate(ctx))
	defer b.Deactivate()

	a.Replace([]task{{ID: "1", Title: "Open shop"}, {ID: "2", Title: "Count cash"}})
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Flush(flushCtx))
	require.Equal(t, livesync.StatusSaved, a.Status().Kind)

	require.Eventually(t, func() bool {
		return len(b.Read()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	b.Update(task{ID: "2", Title: "Count cash", Done: true})
	b.Remove("1")
	require.NoError(t, b.Flush(flushCtx))

	require.Eventually(t, func() bool {
		items := a.Read()
		return len(items) == 1 && items[0].ID == "2" && items[0].Done
	}, 5*time.Second, 10*time.Millisecond)
}
