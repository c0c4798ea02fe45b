package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(false)
	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)
	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Online())

	unsubscribe()
	unsubscribe()
	m.Set(true)
	assert.Equal(t, []bool{true, false}, got)
	assert.True(t, m.Online())
}

func TestMonitorDeliversInOrderToEverySubscriber(t *testing.T) {
	m := NewMonitor(true)
	var first, second []bool
	m.Subscribe(func(online bool) { first = append(first, online) })
	m.Subscribe(func(online bool) { second = append(second, online) })
	m.Set(false)
	m.Set(true)
	assert.Equal(t, []bool{false, true}, first)
	assert.Equal(t, first, second)
}

func TestMonitorSetFromSubscriberIsQueued(t *testing.T) {
	m := NewMonitor(false)
	var got []bool
	m.Subscribe(func(online bool) {
		got = append(got, online)
		if online {
			m.Set(false)
		}
	})
	m.Set(true)
	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Online())
}

func TestMonitorConcurrentSet(t *testing.T) {
	m := NewMonitor(false)
	var mu sync.Mutex
	var got []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i%2 == 0)
		}(i)
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i], "consecutive notifications must alternate")
	}
	if len(got) > 0 {
		assert.Equal(t, m.Online(), got[len(got)-1])
	}
}

func TestProberUpdatesMonitor(t *testing.T) {
	m := NewMonitor(false)
	var healthy atomic.Bool
	healthy.Store(true)
	p := NewProber(m, func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}, ProberOptions{Interval: time.Millisecond})

	assert.True(t, p.ProbeOnce(context.Background()))
	assert.True(t, m.Online())
	healthy.Store(false)
	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, m.Online())
}

func TestProberRunStopsWithContext(t *testing.T) {
	m := NewMonitor(false)
	var calls atomic.Int32
	p := NewProber(m, func(context.Context) error {
		calls.Add(1)
		return nil
	}, ProberOptions{Interval: 5 * time.Millisecond, IntervalJitter: 0.2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop")
	}
	assert.True(t, m.Online())
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Millisecond, jitteredIntervalWithSample(time.Microsecond, 0, 0))
	assert.Equal(t, 0.0, clampJitterRatio(-1))
	assert.Equal(t, 1.0, clampJitterRatio(3))
}

func TestParseStatus(t *testing.T) {
	for raw, want := range map[string]bool{"online\n": true, "UP": true, "offline": false, "": false} {
		got, err := parseStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseStatus("maybe")
	assert.Error(t, err)
}

func TestFileWatcherFollowsStatusFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	require.NoError(t, os.WriteFile(path, []byte("online\n"), 0o644))

	m := NewMonitor(false)
	w := NewFileWatcher(m, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, m.Online, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("offline\n"), 0o644))
	require.Eventually(t, func() bool { return !m.Online() }, 2*time.Second, 5*time.Millisecond)

	tmp := filepath.Join(dir, "status.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("online"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	require.Eventually(t, m.Online, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return !m.Online() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("file watcher did not stop")
	}
}
