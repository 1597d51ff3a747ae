package livesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

func (p product) EntityID() string { return p.ID }

// fakeRemote is an in-memory Remote that records every call. Subscribers are
// driven by the test through emit, which plays the delivery goroutine.
type fakeRemote struct {
	mu        sync.Mutex
	rows      map[string]map[string]Row
	calls     []string
	fetchErr  error
	subErr    error
	writeErr  map[string]error // keyed by Op* name
	gate      chan struct{}    // when set, writes wait for it to close
	fetching  chan struct{}    // when set, FetchAll signals it on entry
	fetchGate chan struct{}    // when set, FetchAll waits for it to close
	subs      map[string][]*fakeSub
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:     make(map[string]map[string]Row),
		writeErr: make(map[string]error),
		subs:     make(map[string][]*fakeSub),
	}
}

func (f *fakeRemote) seed(collection string, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.tableLocked(collection)[r.ID] = r
	}
}

func (f *fakeRemote) tableLocked(collection string) map[string]Row {
	t, ok := f.rows[collection]
	if !ok {
		t = make(map[string]Row)
		f.rows[collection] = t
	}
	return t
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) stored(collection string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.rows[collection]))
	for id := range f.rows[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeRemote) failWrites(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr[op] = err
}

func (f *fakeRemote) write(op, collection, detail string, apply func(t map[string]Row)) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+collection+" "+detail)
	if err := f.writeErr[op]; err != nil {
		return NewRemoteError(op, collection, ErrTransient, err)
	}
	apply(f.tableLocked(collection))
	return nil
}

func (f *fakeRemote) FetchAll(_ context.Context, collection string) ([]Row, error) {
	f.mu.Lock()
	fetching, gate := f.fetching, f.fetchGate
	f.mu.Unlock()
	if fetching != nil {
		fetching <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OpFetchAll+" "+collection)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	t := f.rows[collection]
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, t[id])
	}
	return out, nil
}

func (f *fakeRemote) UpsertOne(_ context.Context, collection string, row Row) error {
	return f.write(OpUpsertOne, collection, row.ID, func(t map[string]Row) { t[row.ID] = row })
}

func (f *fakeRemote) DeleteOne(_ context.Context, collection string, id string) error {
	return f.write(OpDeleteOne, collection, id, func(t map[string]Row) { delete(t, id) })
}

func (f *fakeRemote) BulkUpsert(_ context.Context, collection string, rows []Row) error {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return f.write(OpBulkUpsert, collection, strings.Join(ids, ","), func(t map[string]Row) {
		for _, r := range rows {
			t[r.ID] = r
		}
	})
}

func (f *fakeRemote) BulkDelete(_ context.Context, collection string, ids []string) error {
	return f.write(OpBulkDelete, collection, strings.Join(ids, ","), func(t map[string]Row) {
		for _, id := range ids {
			delete(t, id)
		}
	})
}

func (f *fakeRemote) Subscribe(_ context.Context, collection string, onEvent func(ChangeEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := &fakeSub{onEvent: onEvent, done: make(chan struct{})}
	f.subs[collection] = append(f.subs[collection], s)
	return s, nil
}

// emit delivers ev to every open subscriber of collection.
func (f *fakeRemote) emit(collection string, ev ChangeEvent) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[collection]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.deliver(ev)
	}
}

func (f *fakeRemote) dropAll(collection string) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[collection]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.finish(NewRemoteError(OpSubscribe, collection, ErrChannelDropped, fmt.Errorf("connection reset")))
	}
}

type fakeSub struct {
	mu      sync.Mutex
	onEvent func(ChangeEvent)
	done    chan struct{}
	err     error
	stopped bool
}

func (s *fakeSub) deliver(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.onEvent(ev)
}

func (s *fakeSub) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.err = err
	close(s.done)
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.finish(nil)
	return nil
}
