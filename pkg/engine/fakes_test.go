package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/usersync/pkg/images"
	"github.com/astromechza/usersync/pkg/loop"
	"github.com/astromechza/usersync/pkg/users"
)

func testUsers(start, count int) []users.User {
	out := make([]users.User, 0, count)
	for i := start; i < start+count; i++ {
		out = append(out, users.New(int64(i), fmt.Sprintf("user%dlogin", i), fmt.Sprintf("user%davatarurl", i)))
	}
	return out
}

// fakeSource serves users 0..total-1 unless a page is overridden. A non-nil
// gate makes every fetch wait for one receive.
type fakeSource struct {
	mu      sync.Mutex
	total   int
	offsets []int
	fail    map[int]error
	pages   map[int][]users.User
	gate    chan struct{}
}

func (f *fakeSource) FetchPage(ctx context.Context, offset, pageSize int) ([]users.User, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[offset]; ok {
		delete(f.fail, offset)
		return nil, err
	}
	if p, ok := f.pages[offset]; ok {
		return p, nil
	}
	if offset >= f.total {
		return []users.User{}, nil
	}
	end := offset + pageSize
	if end > f.total {
		end = f.total
	}
	return testUsers(offset, end-offset), nil
}

func (f *fakeSource) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.offsets...)
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu      sync.Mutex
	order   []int64
	byID    map[int64]users.User
	upserts int
	failErr error
}

func newMemStore(seed ...users.User) *memStore {
	s := &memStore{byID: make(map[int64]users.User)}
	_ = s.Upsert(context.Background(), seed)
	s.upserts = 0
	return s
}

func (s *memStore) Upsert(ctx context.Context, us []users.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.upserts++
	for _, u := range us {
		if prev, ok := s.byID[u.ID]; ok {
			s.byID[u.ID] = users.Merge(prev, u)
			continue
		}
		s.order = append(s.order, u.ID)
		s.byID[u.ID] = u
	}
	return nil
}

func (s *memStore) QueryAll(ctx context.Context) ([]users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]users.User, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *memStore) UpsertImage(ctx context.Context, id int64, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	u, ok := s.byID[id]
	if !ok {
		return errors.New("unknown id")
	}
	u.Image = image
	s.byID[id] = u
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get(id int64) users.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

// countingFetcher returns "img:<ref>" and counts calls; a non-nil gate holds
// every fetch until closed.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
}

func (f *countingFetcher) FetchImage(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return []byte("img:" + ref), nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	t       *testing.T
	loop    *loop.Loop
	src     *fakeSource
	store   *memStore
	fetcher *countingFetcher
	e       *Engine
	events  []Event
}

func newHarness(t *testing.T, src *fakeSource, st *memStore, pageSize int) *harness {
	if st == nil {
		st = newMemStore()
	}
	h := &harness{t: t, loop: loop.New(64), src: src, store: st, fetcher: &countingFetcher{}}
	e, err := New(Options{
		Source:     src,
		Store:      st,
		Resolver:   images.NewResolver(h.fetcher),
		Dispatcher: h.loop,
		PageSize:   pageSize,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	h.e = e
	e.Subscribe(func(ev Event) { h.events = append(h.events, ev) })
	return h
}

// step runs one posted completion.
func (h *harness) step() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.loop.Step(ctx))
}

// load issues LoadMore and runs its completion.
func (h *harness) load() {
	h.t.Helper()
	require.True(h.t, h.e.LoadMore())
	h.step()
}

func (h *harness) kinds() []EventKind {
	out := make([]EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (h *harness) reset() {
	h.events = nil
}

func (h *harness) ids() []int64 {
	out := make([]int64, 0, h.e.Count())
	for i := 0; i < h.e.Count(); i++ {
		out = append(out, h.e.RecordAt(i).ID)
	}
	return out
}
