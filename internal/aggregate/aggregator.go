package aggregate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/tvsync/internal/gateway"
	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/reconcile"
	"github.com/agentworkforce/tvsync/internal/tv"
)

// Mutator performs saves and deletes; the reconcile engine in production.
type Mutator interface {
	Save(ctx context.Context, r tv.Record, opts reconcile.MutationOptions) (reconcile.Result, error)
	Delete(ctx context.Context, id string, opts reconcile.MutationOptions) (reconcile.Result, error)
}

type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

type Options struct {
	PageSize int
	Logger   logging.Logger
}

// Aggregator serializes every change to the collection through one
// goroutine. Reads go through Snapshot, which never blocks on that goroutine.
type Aggregator struct {
	gw     gateway.Gateway
	mut    Mutator
	conn   Connectivity
	opts   Options
	logger logging.Logger

	inbox    chan any
	stop     chan struct{}
	done     chan struct{}
	changes  chan State
	snapshot atomic.Pointer[State]

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

type dispatchMsg struct{ action Action }

type fetchResult struct {
	generation int
	page       int
	result     tv.Page
	err        error
}

type setQueryMsg struct {
	search  string
	filters *tv.Filters
}

type loadMoreMsg struct{}

type refreshMsg struct{}

type onlineMsg struct{ online bool }

type pushMsg struct {
	subscription int
	event        tv.Event
}

type subscribedMsg struct {
	subscription int
	unsubscribe  func()
	err          error
}

type barrierMsg struct{ done chan struct{} }

func New(gw gateway.Gateway, mut Mutator, conn Connectivity, opts Options) *Aggregator {
	if opts.PageSize <= 0 {
		opts.PageSize = tv.DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	a := &Aggregator{
		gw:      gw,
		mut:     mut,
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		inbox:   make(chan any, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		changes: make(chan State, 1),
	}
	initial := Initial()
	initial.Online = conn.Online()
	a.snapshot.Store(&initial)
	return a
}

// Snapshot returns the latest published state.
func (a *Aggregator) Snapshot() State {
	return *a.snapshot.Load()
}

// HasID reports whether id is in the latest snapshot. It is safe to call
// from any goroutine, including while the aggregator is busy.
func (a *Aggregator) HasID(id string) bool {
	return a.Snapshot().Has(id)
}

// Changes delivers the latest state after each change. Slow readers only
// see the most recent one.
func (a *Aggregator) Changes() <-chan State {
	return a.changes
}

// Start runs the aggregator until ctx ends or Stop is called. It fetches the
// first page and opens the push channel when online.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.started.Store(true)
		l := &loop{a: a, state: a.Snapshot()}
		unsubscribe := a.conn.Subscribe(func(online bool) {
			a.send(onlineMsg{online: online})
		})
		go l.run(ctx, unsubscribe)
	})
}

// Stop cancels outstanding fetches, closes the push channel and waits for
// the loop to exit. Results that arrive afterwards are dropped.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	if a.started.Load() {
		<-a.done
	}
}

// SetQuery switches the list to search, or to filters when search is empty,
// and refetches from page one.
func (a *Aggregator) SetQuery(search string, filters *tv.Filters) {
	a.send(setQueryMsg{search: search, filters: filters})
}

// LoadMore fetches the next page if there is one.
func (a *Aggregator) LoadMore() {
	a.send(loadMoreMsg{})
}

// Refresh refetches from page one.
func (a *Aggregator) Refresh() {
	a.send(refreshMsg{})
}

// Remap applies a local to canonical id mapping reported by a flush.
func (a *Aggregator) Remap(localID string, record tv.Record) {
	a.send(dispatchMsg{action: Remapped{LocalID: localID, Record: record}})
}

// Sync returns once every message sent before it has been applied.
func (a *Aggregator) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !a.send(barrierMsg{done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save runs the mutation and applies a non-silent result to the collection.
func (a *Aggregator) Save(ctx context.Context, r tv.Record, opts reconcile.MutationOptions) (reconcile.Result, error) {
	if !opts.Silent {
		a.send(dispatchMsg{action: MutationStarted{}})
	}
	res, err := a.mut.Save(ctx, r, opts)
	if opts.Silent {
		return res, err
	}
	if err != nil {
		a.send(dispatchMsg{action: MutationFailed{Err: err.Error()}})
		return res, err
	}
	a.send(dispatchMsg{action: Saved{Record: res.Record, Notice: res.Notice}})
	return res, nil
}

// Delete runs the deletion and applies a non-silent result to the collection.
func (a *Aggregator) Delete(ctx context.Context, id string, opts reconcile.MutationOptions) (reconcile.Result, error) {
	if !opts.Silent {
		a.send(dispatchMsg{action: MutationStarted{}})
	}
	res, err := a.mut.Delete(ctx, id, opts)
	if opts.Silent {
		return res, err
	}
	if err != nil {
		a.send(dispatchMsg{action: MutationFailed{Err: err.Error()}})
		return res, err
	}
	a.send(dispatchMsg{action: Deleted{ID: id, Notice: res.Notice}})
	return res, nil
}

func (a *Aggregator) send(msg any) bool {
	select {
	case a.inbox <- msg:
		return true
	case <-a.done:
		return false
	case <-a.stop:
		return false
	}
}

// loop is the state owned by the aggregator goroutine.
type loop struct {
	a     *Aggregator
	ctx   context.Context
	state State

	generation  int
	cancelFetch context.CancelFunc

	subscription int
	pushStop     chan struct{}
	unsubscribe  func()

	// exiting closes when run returns. handoffMu orders subscribe results
	// against the final inbox drain: a result is either queued before
	// exited is set or unsubscribed by its own goroutine.
	exiting   chan struct{}
	handoffMu sync.Mutex
	exited    bool
}

func (l *loop) run(ctx context.Context, unsubscribeConn func()) {
	ctx, cancel := context.WithCancel(ctx)
	l.ctx = ctx
	l.exiting = make(chan struct{})
	defer func() {
		cancel()
		l.closePush()
		close(l.exiting)
		l.handoffMu.Lock()
		l.exited = true
		l.handoffMu.Unlock()
		l.drainSubscriptions()
		unsubscribeConn()
		close(l.a.done)
	}()

	if online := l.a.conn.Online(); online != l.state.Online {
		l.apply(SetOnline{Online: online})
	}
	if l.state.Online {
		l.openPush()
	}
	l.fetch()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.a.stop:
			return
		case msg := <-l.a.inbox:
			l.handle(msg)
		}
	}
}

func (l *loop) handle(msg any) {
	switch m := msg.(type) {
	case dispatchMsg:
		l.apply(m.action)
	case fetchResult:
		if m.generation != l.generation {
			return
		}
		l.cancelFetch = nil
		if m.err != nil {
			l.a.logger.Warn(l.ctx, "fetch failed", "page", m.page, "err", m.err)
			l.apply(FetchFailed{Err: m.err.Error()})
			return
		}
		l.apply(FetchSucceeded{Page: m.page, Items: m.result.Items, TotalPages: m.result.TotalPages})
	case setQueryMsg:
		l.apply(SetQuery{Search: m.search, Filters: m.filters})
		l.fetch()
	case loadMoreMsg:
		if !l.state.CanLoadMore() {
			return
		}
		l.apply(SetPage{Page: l.state.Page + 1})
		l.fetch()
	case refreshMsg:
		if l.state.Online {
			l.openPush()
		}
		l.apply(SetPage{Page: 1})
		l.fetch()
	case onlineMsg:
		if m.online == l.state.Online {
			return
		}
		l.apply(SetOnline{Online: m.online})
		if m.online {
			l.openPush()
		} else {
			l.closePush()
		}
		l.apply(SetPage{Page: 1})
		l.fetch()
	case pushMsg:
		if m.subscription != l.subscription || l.pushStop == nil || !l.state.Online {
			return
		}
		switch m.event.Action {
		case tv.ActionCreate, tv.ActionUpdate:
			l.apply(Saved{Record: m.event.Record})
		case tv.ActionDelete:
			l.apply(Deleted{ID: m.event.Record.ID})
		}
	case subscribedMsg:
		if m.subscription != l.subscription || l.pushStop == nil {
			if m.unsubscribe != nil {
				m.unsubscribe()
			}
			return
		}
		if m.err != nil {
			l.a.logger.Warn(l.ctx, "push subscribe failed", "err", m.err)
			close(l.pushStop)
			l.pushStop = nil
			return
		}
		l.unsubscribe = m.unsubscribe
	case barrierMsg:
		close(m.done)
	}
}

func (l *loop) apply(action Action) {
	l.state = Reduce(l.state, action)
	published := l.state
	l.a.snapshot.Store(&published)
	select {
	case l.a.changes <- published:
	default:
		select {
		case <-l.a.changes:
		default:
		}
		l.a.changes <- published
	}
}

// fetch starts a list request for the current query and page. Any request
// still in flight is cancelled and its result will be ignored.
func (l *loop) fetch() {
	l.generation++
	if l.cancelFetch != nil {
		l.cancelFetch()
		l.cancelFetch = nil
	}
	if !l.state.Online {
		l.apply(OfflineFiltered{Search: l.state.Search})
		return
	}
	query := tv.Query{Search: l.state.Search, Page: l.state.Page, PageSize: l.a.opts.PageSize}
	if query.Search == "" {
		query.Filters = l.state.Filters
	}
	l.apply(FetchStarted{})

	ctx, cancel := context.WithCancel(l.ctx)
	l.cancelFetch = cancel
	generation := l.generation
	go func() {
		defer cancel()
		page, err := l.a.gw.List(ctx, query)
		l.a.send(fetchResult{generation: generation, page: query.Page, result: page, err: err})
	}()
}

func (l *loop) openPush() {
	if l.pushStop != nil {
		return
	}
	l.subscription++
	subscription := l.subscription
	stop := make(chan struct{})
	l.pushStop = stop
	a := l.a
	onEvent := func(e tv.Event) {
		select {
		case a.inbox <- pushMsg{subscription: subscription, event: e}:
		case <-stop:
		case <-a.done:
		}
	}
	ctx := l.ctx
	go func() {
		unsubscribe, err := a.gw.Subscribe(ctx, onEvent)
		l.handoff(subscribedMsg{subscription: subscription, unsubscribe: unsubscribe, err: err})
	}()
}

// handoff passes a subscribe result to the loop, or unsubscribes it when
// the loop has exited or is exiting.
func (l *loop) handoff(msg subscribedMsg) {
	l.handoffMu.Lock()
	defer l.handoffMu.Unlock()
	if !l.exited {
		select {
		case l.a.inbox <- msg:
			return
		case <-l.exiting:
		}
	}
	if msg.unsubscribe != nil {
		msg.unsubscribe()
	}
}

// drainSubscriptions unsubscribes results queued after the loop stopped
// reading the inbox.
func (l *loop) drainSubscriptions() {
	for {
		select {
		case msg := <-l.a.inbox:
			if m, ok := msg.(subscribedMsg); ok && m.unsubscribe != nil {
				m.unsubscribe()
			}
		default:
			return
		}
	}
}

// closePush stops delivery before unsubscribing so a read loop blocked on
// the inbox can exit.
func (l *loop) closePush() {
	if l.pushStop == nil {
		return
	}
	close(l.pushStop)
	l.pushStop = nil
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
}
