package aggregate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tvsync/internal/connectivity"
	"github.com/agentworkforce/tvsync/internal/kv"
	"github.com/agentworkforce/tvsync/internal/outbox"
	"github.com/agentworkforce/tvsync/internal/reconcile"
	"github.com/agentworkforce/tvsync/internal/tv"
	"github.com/agentworkforce/tvsync/internal/tvapi"
)

type pushGateway struct {
	store *tvapi.Store

	mu       sync.Mutex
	lists    []tv.Query
	handlers map[int]func(tv.Event)
	nextSub  int
	// listGate, when set, is received from before each list answers.
	listGate chan struct{}
	// subscribeGate, when set, holds every subscribe until it is closed.
	subscribeGate chan struct{}
	subscribed    int
}

func newPushGateway() *pushGateway {
	return &pushGateway{store: tvapi.NewStore(), handlers: map[int]func(tv.Event){}}
}

func (g *pushGateway) List(ctx context.Context, q tv.Query) (tv.Page, error) {
	g.mu.Lock()
	g.lists = append(g.lists, q)
	gate := g.listGate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tv.Page{}, ctx.Err()
		}
	}
	return g.store.List(q), nil
}

func (g *pushGateway) Get(ctx context.Context, id string) (tv.Record, error) {
	return g.store.Get(id)
}

func (g *pushGateway) Create(ctx context.Context, r tv.Record) (tv.Record, error) {
	created, err := g.store.Create(ctx, r)
	if err == nil {
		g.emit(tv.Event{Action: tv.ActionCreate, Record: created})
	}
	return created, err
}

func (g *pushGateway) Update(ctx context.Context, r tv.Record) (tv.Record, error) {
	updated, err := g.store.Update(ctx, r)
	if err == nil {
		g.emit(tv.Event{Action: tv.ActionUpdate, Record: updated})
	}
	return updated, err
}

func (g *pushGateway) Delete(ctx context.Context, id string) error {
	_, err := g.store.Delete(ctx, id)
	if err == nil {
		g.emit(tv.Event{Action: tv.ActionDelete, Record: tv.Record{ID: id}})
	}
	return err
}

func (g *pushGateway) Subscribe(ctx context.Context, onEvent func(tv.Event)) (func(), error) {
	g.mu.Lock()
	gate := g.subscribeGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribed++
	id := g.nextSub
	g.nextSub++
	g.handlers[id] = onEvent
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.handlers, id)
	}, nil
}

func (g *pushGateway) subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handlers)
}

func (g *pushGateway) listCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lists)
}

func (g *pushGateway) emit(e tv.Event) {
	g.mu.Lock()
	handlers := make([]func(tv.Event), 0, len(g.handlers))
	for _, h := range g.handlers {
		handlers = append(handlers, h)
	}
	g.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

type stack struct {
	gw      *pushGateway
	monitor *connectivity.Monitor
	queue   *outbox.Store
	engine  *reconcile.Engine
	agg     *Aggregator
}

func newStack(t *testing.T, online bool) *stack {
	t.Helper()
	s := &stack{gw: newPushGateway(), monitor: connectivity.NewMonitor(online)}
	s.queue = outbox.New(kv.NewMemoryBackend(), outbox.Options{})
	s.engine = reconcile.New(s.gw, s.queue, s.monitor, reconcile.Options{
		OnRemap: func(m reconcile.Remapped) { s.agg.Remap(m.LocalID, m.Record) },
	})
	s.agg = New(s.gw, s.engine, s.monitor, Options{PageSize: 2})
	s.queue.SetIDTaken(s.agg.HasID)
	return s
}

func (s *stack) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.agg.Start(ctx)
	s.engine.Start(ctx)
	t.Cleanup(func() {
		s.engine.Stop()
		s.agg.Stop()
		cancel()
	})
}

func (s *stack) seed(t *testing.T, records ...tv.Record) {
	t.Helper()
	for _, r := range records {
		_, err := s.gw.store.Create(context.Background(), r)
		require.NoError(t, err)
	}
}

func waitFor(t *testing.T, agg *Aggregator, cond func(State) bool) State {
	t.Helper()
	var last State
	require.Eventually(t, func() bool {
		require.NoError(t, agg.Sync(context.Background()))
		last = agg.Snapshot()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestAggregatorFetchesAndLoadsMore(t *testing.T) {
	s := newStack(t, true)
	s.seed(t, rec("", "Samsung", "UE"), rec("", "LG", "OLED"), rec("", "Sony", "Bravia"))
	s.start(t)

	state := waitFor(t, s.agg, func(st State) bool { return len(st.Records) == 2 && !st.Loading })
	assert.Equal(t, 2, state.TotalPages)
	assert.True(t, state.CanLoadMore())

	s.agg.LoadMore()
	state = waitFor(t, s.agg, func(st State) bool { return len(st.Records) == 3 })
	assert.Equal(t, []string{"1", "2", "3"}, ids(state.Records))
	assert.Equal(t, 2, state.Page)

	s.agg.LoadMore()
	require.NoError(t, s.agg.Sync(context.Background()))
	assert.Equal(t, 2, s.gw.listCount(), "no fetch past the last page")
}

func TestAggregatorAppliesPushEventsWhileOnline(t *testing.T) {
	s := newStack(t, true)
	s.start(t)
	require.Eventually(t, func() bool { return s.gw.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitFor(t, s.agg, func(st State) bool { return !st.Loading })

	s.gw.emit(tv.Event{Action: tv.ActionCreate, Record: rec("7", "TCL", "C8")})
	s.gw.emit(tv.Event{Action: tv.ActionDelete, Record: tv.Record{ID: "5"}})
	state := waitFor(t, s.agg, func(st State) bool { return st.Has("7") })
	assert.Equal(t, []string{"7"}, ids(state.Records))

	s.monitor.Set(false)
	require.Eventually(t, func() bool { return s.gw.subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	s.gw.emit(tv.Event{Action: tv.ActionDelete, Record: tv.Record{ID: "7"}})
	require.NoError(t, s.agg.Sync(context.Background()))
	assert.True(t, s.agg.HasID("7"))
}

func TestAggregatorOfflineSearchMakesNoRequests(t *testing.T) {
	s := newStack(t, true)
	s.seed(t, rec("", "Samsung", "UE"), rec("", "LG", "OLED"))
	s.start(t)
	waitFor(t, s.agg, func(st State) bool { return len(st.Records) == 2 })
	lists := s.gw.listCount()

	s.monitor.Set(false)
	s.agg.SetQuery("sam", nil)
	state := waitFor(t, s.agg, func(st State) bool { return st.OfflineFilter == "sam" })
	require.Len(t, state.Visible(), 1)
	assert.Equal(t, "Samsung", state.Visible()[0].Manufacturer)
	assert.Equal(t, 1, state.VisibleTotalPages())
	assert.Equal(t, lists, s.gw.listCount())
}

func TestAggregatorIgnoresSupersededFetch(t *testing.T) {
	s := newStack(t, true)
	s.seed(t, rec("", "Samsung", "UE"), rec("", "LG", "OLED"))
	gate := make(chan struct{})
	s.gw.listGate = gate
	s.start(t)
	require.Eventually(t, func() bool { return s.gw.listCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.agg.SetQuery("lg", nil)
	require.Eventually(t, func() bool { return s.gw.listCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(gate)

	state := waitFor(t, s.agg, func(st State) bool { return !st.Loading })
	assert.Equal(t, []string{"2"}, ids(state.Records))
	assert.Empty(t, state.RequestError)
}

func TestAggregatorOfflineCreateIsRemappedAfterFlush(t *testing.T) {
	s := newStack(t, false)
	s.start(t)
	ctx := context.Background()

	res, err := s.agg.Save(ctx, tv.Record{Manufacturer: "Samsung", Model: "UE"}, reconcile.MutationOptions{})
	require.NoError(t, err)
	require.True(t, res.Queued)
	localID := res.Record.ID
	state := waitFor(t, s.agg, func(st State) bool { return st.Has(localID) })
	assert.Equal(t, reconcile.NoticeAddedOffline, state.OfflineNotice)
	assert.True(t, state.Records[0].LocalOnly)

	s.monitor.Set(true)
	require.Eventually(t, func() bool {
		upserts, err := s.queue.ListPendingUpserts(ctx)
		return err == nil && len(upserts) == 0
	}, 2*time.Second, 5*time.Millisecond)
	s.engine.WaitIdle()

	// The refetch triggered by reconnecting may race the replay; the next
	// fetch always carries the canonical id.
	s.agg.Refresh()
	state = waitFor(t, s.agg, func(st State) bool { return st.Has("1") && !st.Loading })
	assert.Equal(t, []string{"1"}, ids(state.Records))
	assert.False(t, state.Has(localID))
}

func TestAggregatorOnlineMutations(t *testing.T) {
	s := newStack(t, true)
	s.start(t)
	ctx := context.Background()
	waitFor(t, s.agg, func(st State) bool { return !st.Loading })

	res, err := s.agg.Save(ctx, tv.Record{Manufacturer: "Hisense", Model: "U8"}, reconcile.MutationOptions{})
	require.NoError(t, err)
	waitFor(t, s.agg, func(st State) bool { return st.Has(res.Record.ID) })

	stale := res.Record
	updated := res.Record
	updated.Price = 10
	_, err = s.agg.Save(ctx, updated, reconcile.MutationOptions{})
	require.NoError(t, err)
	_, err = s.agg.Save(ctx, stale, reconcile.MutationOptions{})
	require.Error(t, err)
	state := waitFor(t, s.agg, func(st State) bool { return st.RequestError != "" })
	assert.Contains(t, state.RequestError, "version conflict")

	_, err = s.agg.Delete(ctx, res.Record.ID, reconcile.MutationOptions{})
	require.NoError(t, err)
	waitFor(t, s.agg, func(st State) bool { return !st.Has(res.Record.ID) })
}

func TestOnlineCreateDeleteSequenceLeavesNoDuplicates(t *testing.T) {
	s := newStack(t, true)
	s.start(t)
	ctx := context.Background()
	require.Eventually(t, func() bool { return s.gw.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitFor(t, s.agg, func(st State) bool { return !st.Loading })

	var kept []string
	for i := 0; i < 6; i++ {
		res, err := s.agg.Save(ctx, tv.Record{Manufacturer: "M", Model: fmt.Sprintf("m%d", i)}, reconcile.MutationOptions{})
		require.NoError(t, err)
		if i%2 == 0 {
			_, err := s.agg.Delete(ctx, res.Record.ID, reconcile.MutationOptions{})
			require.NoError(t, err)
			continue
		}
		kept = append(kept, res.Record.ID)
	}
	state := waitFor(t, s.agg, func(st State) bool { return len(st.Records) == len(kept) })
	assert.ElementsMatch(t, kept, ids(state.Records))
}

func TestStopIsIdempotentAndDropsLateResults(t *testing.T) {
	s := newStack(t, true)
	gate := make(chan struct{})
	s.gw.listGate = gate
	s.agg.Start(context.Background())
	require.Eventually(t, func() bool { return s.gw.listCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.agg.Stop()
	s.agg.Stop()
	close(gate)
	assert.True(t, s.agg.Snapshot().Loading)
	assert.Empty(t, s.agg.Snapshot().Records)
}

func TestStopReleasesSubscriptionsThatLandLate(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := newStack(t, true)
		gate := make(chan struct{})
		s.gw.subscribeGate = gate
		s.agg.Start(context.Background())

		released := make(chan struct{})
		go func() {
			defer close(released)
			close(gate)
		}()
		s.agg.Stop()
		<-released

		require.Eventually(t, func() bool {
			s.gw.mu.Lock()
			defer s.gw.mu.Unlock()
			return s.gw.subscribed == 1 && len(s.gw.handlers) == 0
		}, 2*time.Second, time.Millisecond, "iteration %d left a subscription open", i)
	}
}
