// Package engine keeps the paginated, persisted, filterable list of users
// that the presentation layer renders.
//
// An Engine is not safe for concurrent use. Every method must be called from
// the consumer context that the Dispatcher drains; page and image fetches run
// on background goroutines and post their completion back through it.
// Notifications are delivered on the consumer context, strictly after the
// mutation they describe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/usersync/pkg/filter"
	"github.com/astromechza/usersync/pkg/images"
	"github.com/astromechza/usersync/pkg/remote"
	"github.com/astromechza/usersync/pkg/store"
	"github.com/astromechza/usersync/pkg/users"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrIDMismatch      = errors.New("record id does not match the row at index")
)

// Dispatcher hands work to the consumer context.
type Dispatcher interface {
	Post(fn func())
}

// ImageResolver resolves avatar references; see images.Resolver.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) <-chan images.Result
}

const DefaultPageSize = 30

type Options struct {
	Source     remote.Source
	Store      store.Store
	Resolver   ImageResolver
	Dispatcher Dispatcher

	PageSize     int
	FetchTimeout time.Duration
	StoreTimeout time.Duration
	HistorySize  int
	Logger       *slog.Logger
}

type subscription struct {
	id uuid.UUID
	fn func(Event)
}

type Engine struct {
	source     remote.Source
	store      store.Store
	resolver   ImageResolver
	dispatcher Dispatcher
	logger     *slog.Logger

	pageSize     int
	fetchTimeout time.Duration
	storeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state   State
	failed  bool
	failure remote.Kind
	offset  int

	records   []users.User
	positions map[int64]int

	term string
	// view holds ascending working-set positions; nil when not filtering.
	view              []int
	noMoreDataPending bool

	subs    []subscription
	history history
}

func New(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("engine: source is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("engine: dispatcher is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		source:       opts.Source,
		store:        opts.Store,
		resolver:     opts.Resolver,
		dispatcher:   opts.Dispatcher,
		logger:       opts.Logger,
		pageSize:     opts.PageSize,
		fetchTimeout: opts.FetchTimeout,
		storeTimeout: opts.StoreTimeout,
		ctx:          ctx,
		cancel:       cancel,
		positions:    make(map[int64]int),
		history:      history{max: opts.HistorySize},
	}, nil
}

// Close cancels background fetches. Completions that still arrive are
// ignored.
func (e *Engine) Close() {
	e.cancel()
}

// Subscribe registers fn for every future event. The returned func removes it.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	id := uuid.New()
	e.subs = append(e.subs, subscription{id: id, fn: fn})
	return func() {
		e.subs = slices.DeleteFunc(e.subs, func(s subscription) bool { return s.id == id })
	}
}

// Subscribers is the number of registered handlers.
func (e *Engine) Subscribers() int {
	return len(e.subs)
}

func (e *Engine) emit(ev Event) {
	e.logger.Debug("event", "event", ev.String())
	for _, s := range slices.Clone(e.subs) {
		s.fn(ev)
	}
}

func (e *Engine) transition(to State, note string) {
	e.history.add(Transition{From: e.state, To: to, Offset: e.offset, Total: len(e.records), Note: note, At: time.Now()})
	e.state = to
}

// Restore seeds the working set from the store. A store failure leaves the
// set as it was; the session continues without the cached users.
func (e *Engine) Restore(ctx context.Context) error {
	us, err := e.store.QueryAll(ctx)
	if err != nil {
		e.logger.Error("failed to restore users", "err", err)
		e.emit(Event{Kind: StoreFailed, Err: err})
		return err
	}
	e.merge(us)
	e.refilter()
	e.logger.Info("restored users", "count", len(us))
	e.emit(Event{Kind: ListChanged})
	return nil
}

// LoadMore starts fetching the next page and reports whether it did. It does
// nothing while a page is in flight, after the end of the data, or while
// filtering.
func (e *Engine) LoadMore() bool {
	if e.IsFiltering() {
		return false
	}
	switch e.state {
	case LoadingPage, EndOfData:
		return false
	}
	if e.ctx.Err() != nil {
		return false
	}

	offset := e.offset
	e.transition(LoadingPage, "load more")
	e.logger.Info("loading page", "offset", offset, "size", e.pageSize)
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.fetchTimeout)
		defer cancel()
		page, err := e.source.FetchPage(ctx, offset, e.pageSize)
		e.dispatcher.Post(func() { e.completeLoad(offset, page, err) })
	}()
	return true
}

func (e *Engine) completeLoad(offset int, page []users.User, err error) {
	if e.ctx.Err() != nil {
		return
	}
	if err != nil {
		kind := remote.Classify(err)
		e.failed, e.failure = true, kind
		e.transition(Failed, kind.String())
		e.transition(Idle, "failure reported")
		e.logger.Warn("failed to load page", "offset", offset, "kind", kind, "err", err)
		e.emit(Event{Kind: LoadFailed, Failure: kind, Err: err})
		return
	}

	e.failed = false
	e.merge(page)
	e.offset = offset + len(page)
	storeErr := e.persist(func(ctx context.Context) error { return e.store.Upsert(ctx, page) })

	end := len(page) < e.pageSize
	if end {
		e.transition(EndOfData, fmt.Sprintf("short page of %d", len(page)))
	} else {
		e.transition(Idle, fmt.Sprintf("page of %d", len(page)))
	}
	e.refilter()
	e.logger.Info("loaded page", "offset", offset, "got", len(page), "total", len(e.records), "end", end)

	e.emit(Event{Kind: ListChanged})
	if end {
		if e.IsFiltering() {
			e.noMoreDataPending = true
		} else {
			e.emit(Event{Kind: NoMoreData})
		}
	}
	if storeErr != nil {
		e.emit(Event{Kind: StoreFailed, Err: storeErr})
	}
}

// merge appends unseen users and overwrites known ones in place.
func (e *Engine) merge(page []users.User) {
	for _, u := range page {
		if pos, ok := e.positions[u.ID]; ok {
			e.records[pos] = users.Merge(e.records[pos], u)
			continue
		}
		e.positions[u.ID] = len(e.records)
		e.records = append(e.records, u)
	}
}

func (e *Engine) persist(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.logger.Error("failed to persist", "err", err)
		return err
	}
	return nil
}

func (e *Engine) refilter() {
	if e.term == "" {
		e.view = nil
		return
	}
	e.view = filter.Indices(e.records, e.term)
}

// SetFilter narrows the view to users whose login contains term. An empty
// term clears the filter and restores the pagination affordances.
func (e *Engine) SetFilter(term string) {
	wasFiltering := e.IsFiltering()
	e.term = term
	e.refilter()
	e.logger.Debug("filter set", "term", term, "count", e.Count())

	e.emit(Event{Kind: ListChanged})
	if wasFiltering && !e.IsFiltering() && e.noMoreDataPending {
		e.noMoreDataPending = false
		e.emit(Event{Kind: NoMoreData})
	}
}

func (e *Engine) IsFiltering() bool {
	return e.term != ""
}

func (e *Engine) Term() string {
	return e.term
}

// Count is the size of the active view.
func (e *Engine) Count() int {
	if e.IsFiltering() {
		return len(e.view)
	}
	return len(e.records)
}

// Total is the size of the working set regardless of the filter.
func (e *Engine) Total() int {
	return len(e.records)
}

// UnfilteredIndex maps a position of the active view to the working set. It
// panics when index is outside [0, Count()).
func (e *Engine) UnfilteredIndex(index int) int {
	if index < 0 || index >= e.Count() {
		panic(fmt.Sprintf("engine: index %d out of range [0, %d)", index, e.Count()))
	}
	if e.IsFiltering() {
		return e.view[index]
	}
	return index
}

// RecordAt returns the user at index of the active view. It panics when
// index is outside [0, Count()).
func (e *Engine) RecordAt(index int) users.User {
	return e.records[e.UnfilteredIndex(index)]
}

func (e *Engine) State() State {
	return e.state
}

// Failure reports the kind of the last page failure until a page loads.
func (e *Engine) Failure() (remote.Kind, bool) {
	return e.failure, e.failed
}

// LoadingRowVisible reports whether the presentation should show a trailing
// loading row after the last record.
func (e *Engine) LoadingRowVisible() bool {
	return !e.IsFiltering() && e.state != EndOfData
}

func (e *Engine) History() []Transition {
	return e.history.snapshot()
}

// filteredPosition maps a working-set position into the filtered view.
func (e *Engine) filteredPosition(pos int) (int, bool) {
	if !e.IsFiltering() {
		return 0, false
	}
	i := sort.SearchInts(e.view, pos)
	if i < len(e.view) && e.view[i] == pos {
		return i, true
	}
	return 0, false
}

// ApplyUpdate replaces the user at the unfiltered position index with u,
// keeping any resolved image, persists it, and reports it as a row update.
func (e *Engine) ApplyUpdate(u users.User, index int) error {
	if index < 0 || index >= len(e.records) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	prev := e.records[index]
	if prev.ID != u.ID {
		return fmt.Errorf("%w: row %d holds %d, got %d", ErrIDMismatch, index, prev.ID, u.ID)
	}
	if !u.HasImage() {
		u.Image = prev.Image
	}
	e.records[index] = u
	storeErr := e.persist(func(ctx context.Context) error { return e.store.Upsert(ctx, []users.User{u}) })

	membershipChanged := false
	if e.IsFiltering() {
		next := filter.Indices(e.records, e.term)
		membershipChanged = !slices.Equal(next, e.view)
		e.view = next
	}

	e.emit(Event{Kind: RowsUpdated, Indices: []int{index}})
	if membershipChanged {
		e.emit(Event{Kind: ListChanged})
	} else if vpos, ok := e.filteredPosition(index); ok {
		e.emit(Event{Kind: RowsUpdated, Indices: []int{vpos}, Filtered: true})
	}
	if storeErr != nil {
		e.emit(Event{Kind: StoreFailed, Err: storeErr})
	}
	return nil
}

// RequestImage resolves the avatar of the row at index of the active view
// unless it already has one. It reports whether a resolve was started.
func (e *Engine) RequestImage(index int) bool {
	if e.resolver == nil || index < 0 || index >= e.Count() || e.ctx.Err() != nil {
		return false
	}
	u := e.records[e.UnfilteredIndex(index)]
	if u.HasImage() {
		return false
	}
	id := u.ID
	ch := e.resolver.Resolve(e.ctx, u.AvatarURL)
	go func() {
		res := <-ch
		e.dispatcher.Post(func() { e.completeImage(id, res) })
	}()
	return true
}

func (e *Engine) completeImage(id int64, res images.Result) {
	if e.ctx.Err() != nil {
		return
	}
	pos, ok := e.positions[id]
	if !ok {
		return
	}
	err := res.Err
	if err == nil && len(res.Image) == 0 {
		err = remote.DecodingError(fmt.Errorf("empty image for %s", res.Ref))
	}
	if err != nil {
		e.logger.Warn("failed to resolve image", "id", id, "err", err)
		e.emit(Event{Kind: ImageFailed, Indices: []int{pos}, Failure: remote.Classify(err), Err: err})
		return
	}
	if e.records[pos].HasImage() {
		return
	}

	e.records[pos].Image = res.Image
	storeErr := e.persist(func(ctx context.Context) error { return e.store.UpsertImage(ctx, id, res.Image) })

	e.emit(Event{Kind: ImageReady, Indices: []int{pos}})
	if vpos, ok := e.filteredPosition(pos); ok {
		e.emit(Event{Kind: ImageReady, Indices: []int{vpos}, Filtered: true})
	}
	if storeErr != nil {
		e.emit(Event{Kind: StoreFailed, Err: storeErr})
	}
}
