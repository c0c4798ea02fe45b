package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tvsync/internal/aggregate"
	"github.com/agentworkforce/tvsync/internal/config"
	"github.com/agentworkforce/tvsync/internal/reconcile"
	"github.com/agentworkforce/tvsync/internal/tv"
	"github.com/agentworkforce/tvsync/internal/tvapi"
)

const testSecret = "client-test-secret"

type harness struct {
	store      *tvapi.Store
	url        string
	token      string
	statusFile string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := tvapi.NewStore()
	server := httptest.NewServer(tvapi.NewServerWithConfig(store, tvapi.ServerConfig{JWTSecret: testSecret}))
	t.Cleanup(server.Close)
	token, err := tvapi.IssueToken(testSecret, "tester", time.Hour, time.Now())
	require.NoError(t, err)
	return &harness{
		store:      store,
		url:        server.URL,
		token:      token,
		statusFile: filepath.Join(t.TempDir(), "net-status"),
	}
}

func (h *harness) config(storeDSN string) config.Config {
	return config.Config{
		BaseURL:        h.url,
		Token:          h.token,
		StoreDSN:       storeDSN,
		PageSize:       25,
		ProbeInterval:  20 * time.Millisecond,
		RequestTimeout: time.Second,
		StatusFile:     h.statusFile,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func (h *harness) setStatus(t *testing.T, status string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.statusFile, []byte(status+"\n"), 0o600))
}

func startClient(t *testing.T, cfg config.Config, opts Options) *Client {
	t.Helper()
	c, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitState(t *testing.T, c *Client, cond func(aggregate.State) bool) aggregate.State {
	t.Helper()
	var last aggregate.State
	require.Eventually(t, func() bool {
		require.NoError(t, c.Aggregator.Sync(context.Background()))
		last = c.Snapshot()
		return cond(last)
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func recordIDs(records []tv.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("memory://")
	cfg.PageSize = 0
	_, err := New(cfg, Options{})
	require.Error(t, err)

	cfg = h.config("redis://localhost")
	_, err = New(cfg, Options{})
	assert.True(t, errors.Is(err, tv.ErrNotImplemented))
}

func TestOnlineSaveReachesServerAndCollection(t *testing.T) {
	h := newHarness(t)
	h.setStatus(t, "online")
	c := startClient(t, h.config("memory://"), Options{})
	ctx := context.Background()
	waitState(t, c, func(s aggregate.State) bool { return s.Online && !s.Loading })

	res, err := c.Save(ctx, tv.Record{Manufacturer: "Samsung", Model: "UE55", Price: 499})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Empty(t, res.Notice)
	assert.Equal(t, "1", res.Record.ID)
	assert.Equal(t, 1, h.store.Len())

	state := waitState(t, c, func(s aggregate.State) bool { return s.Has("1") && !s.Loading })
	assert.Equal(t, []string{"1"}, recordIDs(state.Records))

	_, err = c.Delete(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 0, h.store.Len())
	waitState(t, c, func(s aggregate.State) bool { return !s.Has("1") })
}

func TestOfflineSaveIsReplayedWhenConnectivityReturns(t *testing.T) {
	h := newHarness(t)
	h.setStatus(t, "offline")
	c := startClient(t, h.config("memory://"), Options{})
	ctx := context.Background()

	res, err := c.Save(ctx, tv.Record{Manufacturer: "LG", Model: "OLED", Price: 999})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.True(t, res.Record.LocalOnly)
	assert.Equal(t, reconcile.NoticeAddedOffline, res.Notice)
	localID := res.Record.ID

	state := waitState(t, c, func(s aggregate.State) bool { return s.Has(localID) })
	assert.Equal(t, reconcile.NoticeAddedOffline, state.OfflineNotice)
	upserts, deletions, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, upserts, 1)
	assert.Empty(t, deletions)
	assert.Equal(t, 0, h.store.Len())

	_, err = c.Flush(ctx)
	assert.True(t, errors.Is(err, tv.ErrNetworkUnavailable))

	h.setStatus(t, "online")
	require.Eventually(t, func() bool {
		upserts, _, err := c.Pending(ctx)
		return err == nil && len(upserts) == 0 && h.store.Len() == 1
	}, 3*time.Second, 10*time.Millisecond)
	c.Engine.WaitIdle()

	state = waitState(t, c, func(s aggregate.State) bool {
		return s.Online && !s.Loading && s.Has("1") && !s.Has(localID)
	})
	assert.Equal(t, []string{"1"}, recordIDs(state.Records))
}

func TestOfflineDeleteOfServerRecordIsReplayed(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Create(context.Background(), tv.Record{Manufacturer: "Sony", Model: "Bravia"})
	require.NoError(t, err)
	h.setStatus(t, "offline")
	c := startClient(t, h.config("memory://"), Options{})
	ctx := context.Background()

	res, err := c.Delete(ctx, "1")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, reconcile.NoticeDeletedOffline, res.Notice)
	assert.Equal(t, 1, h.store.Len())

	h.setStatus(t, "online")
	require.Eventually(t, func() bool {
		_, deletions, err := c.Pending(ctx)
		return err == nil && len(deletions) == 0 && h.store.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRejectedReplayIsReported(t *testing.T) {
	h := newHarness(t)
	created, err := h.store.Create(context.Background(), tv.Record{Manufacturer: "Philips", Model: "Ambi"})
	require.NoError(t, err)
	h.setStatus(t, "offline")

	var mu sync.Mutex
	var rejected []*reconcile.ReplayError
	c := startClient(t, h.config("memory://"), Options{OnReplayError: func(err *reconcile.ReplayError) {
		mu.Lock()
		defer mu.Unlock()
		rejected = append(rejected, err)
	}})
	ctx := context.Background()

	stale := created
	stale.Price = 10
	_, err = c.Save(ctx, stale)
	require.NoError(t, err)

	bumped := created
	bumped.Price = 20
	_, err = h.store.Update(ctx, bumped)
	require.NoError(t, err)

	h.setStatus(t, "online")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rejected) == 1
	}, 3*time.Second, 10*time.Millisecond)
	c.Engine.WaitIdle()

	mu.Lock()
	assert.True(t, errors.Is(rejected[0], tv.ErrVersionConflict))
	mu.Unlock()
	upserts, _, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, upserts)
}

func TestQueueSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.setStatus(t, "offline")
	dsn := "file://" + filepath.Join(t.TempDir(), "queue.json")
	ctx := context.Background()

	first, err := New(h.config(dsn), Options{})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	_, err = first.Save(ctx, tv.Record{Manufacturer: "TCL", Model: "C8"})
	require.NoError(t, err)
	_, err = first.Delete(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := New(h.config(dsn), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	upserts, deletions, err := second.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, upserts, 1)
	assert.Equal(t, "TCL", upserts[0].Manufacturer)
	assert.Equal(t, []string{"42"}, deletions)
}

func TestProberDrivesConnectivityWithoutStatusFile(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("memory://")
	cfg.StatusFile = ""
	_, err := h.store.Create(context.Background(), tv.Record{Manufacturer: "Hisense", Model: "U8"})
	require.NoError(t, err)

	c := startClient(t, cfg, Options{})
	assert.True(t, c.Monitor.Online())
	state := waitState(t, c, func(s aggregate.State) bool { return !s.Loading && len(s.Records) == 1 })
	assert.True(t, slices.Contains(recordIDs(state.Records), "1"))
}

func TestUnreachableServerStartsOffline(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("memory://")
	cfg.StatusFile = ""
	cfg.BaseURL = "http://127.0.0.1:1"

	c := startClient(t, cfg, Options{})
	assert.False(t, c.Monitor.Online())

	res, err := c.Save(context.Background(), tv.Record{Manufacturer: "Vizio", Model: "P"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
}

func TestWaitLoadedReturnsSettledState(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Create(context.Background(), tv.Record{Manufacturer: "Panasonic", Model: "MZ"})
	require.NoError(t, err)
	h.setStatus(t, "online")
	c := startClient(t, h.config("memory://"), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		state, err := c.WaitLoaded(ctx)
		return err == nil && len(state.Records) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
