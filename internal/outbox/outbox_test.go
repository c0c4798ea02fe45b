package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tvsync/internal/kv"
	"github.com/agentworkforce/tvsync/internal/tv"
)

// flakyBackend forwards to a memory backend but has no batch support and
// fails writes to one key on demand.
type flakyBackend struct {
	inner   *kv.MemoryBackend
	failKey string
}

func (b *flakyBackend) Set(ctx context.Context, key string, value []byte) error {
	if key == b.failKey {
		return errors.New("disk full")
	}
	return b.inner.Set(ctx, key, value)
}

func (b *flakyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.inner.Get(ctx, key)
}

func (b *flakyBackend) Remove(ctx context.Context, key string) error {
	return b.inner.Remove(ctx, key)
}

func (b *flakyBackend) Keys(ctx context.Context) ([]string, error) {
	return b.inner.Keys(ctx)
}

func (b *flakyBackend) Clear(ctx context.Context) error {
	return b.inner.Clear(ctx)
}

func (b *flakyBackend) Close() error {
	return nil
}

func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestEnqueueUpsertAssignsLocalID(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{NewID: sequentialIDs("local-1", "local-2")})

	queued, err := store.EnqueueUpsert(ctx, tv.Record{Manufacturer: "Samsung", Model: "UE"})
	require.NoError(t, err)
	assert.Equal(t, "local-1", queued.ID)
	assert.True(t, queued.LocalOnly)

	second, err := store.EnqueueUpsert(ctx, tv.Record{Manufacturer: "LG", Model: "OLED"})
	require.NoError(t, err)
	assert.Equal(t, "local-2", second.ID)

	pending, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "local-1", pending[0].ID)
	assert.Equal(t, "local-2", pending[1].ID)
}

func TestEnqueueUpsertAvoidsTakenIDs(t *testing.T) {
	ctx := context.Background()
	visible := map[string]bool{"dup-visible": true}
	store := New(kv.NewMemoryBackend(), Options{
		NewID:   sequentialIDs("dup-visible", "dup-queued", "fresh"),
		IDTaken: func(id string) bool { return visible[id] },
	})
	_, err := store.EnqueueUpsert(ctx, tv.Record{ID: "dup-queued", Manufacturer: "Sony", Model: "X"})
	require.NoError(t, err)

	queued, err := store.EnqueueUpsert(ctx, tv.Record{Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", queued.ID)
}

func TestEnqueueUpsertFailsWhenNoUnusedID(t *testing.T) {
	store := New(kv.NewMemoryBackend(), Options{
		NewID:   sequentialIDs("same"),
		IDTaken: func(string) bool { return true },
	})
	_, err := store.EnqueueUpsert(context.Background(), tv.Record{Manufacturer: "LG", Model: "C1"})
	assert.Error(t, err)
}

func TestEnqueueUpsertReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{})

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.EnqueueUpsert(ctx, tv.Record{ID: id, Version: 1, Manufacturer: "m", Model: id})
		require.NoError(t, err)
	}
	_, err := store.EnqueueUpsert(ctx, tv.Record{ID: "b", Version: 1, Manufacturer: "m", Model: "b2"})
	require.NoError(t, err)

	pending, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "b", pending[1].ID)
	assert.Equal(t, "b2", pending[1].Model)
}

func TestEnqueueUpsertKeepsLocalOnlyOnReedit(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{NewID: sequentialIDs("local-1")})

	queued, err := store.EnqueueUpsert(ctx, tv.Record{Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)

	edited := queued
	edited.LocalOnly = false
	edited.Model = "C2"
	_, err = store.EnqueueUpsert(ctx, edited)
	require.NoError(t, err)

	pending, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].LocalOnly)
	assert.Equal(t, "C2", pending[0].Model)
}

func TestDeleteLocalOnlyCancelsUpsert(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{})

	queued, err := store.EnqueueUpsert(ctx, tv.Record{Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)
	require.NoError(t, store.EnqueueDeletion(ctx, queued.ID))

	upserts, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	assert.Empty(t, upserts)
	deletions, err := store.ListPendingDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, deletions)
}

func TestDeleteServerKnownRecordMovesToDeletions(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{})

	_, err := store.EnqueueUpsert(ctx, tv.Record{ID: "srv-1", Version: 2, Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)
	require.NoError(t, store.EnqueueDeletion(ctx, "srv-1"))
	require.NoError(t, store.EnqueueDeletion(ctx, "srv-1"))
	require.NoError(t, store.EnqueueDeletion(ctx, "srv-2"))

	upserts, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	assert.Empty(t, upserts)
	deletions, err := store.ListPendingDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1", "srv-2"}, deletions)
}

func TestUpsertAfterDeletionLeavesOneQueue(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{})

	require.NoError(t, store.EnqueueDeletion(ctx, "srv-1"))
	_, err := store.EnqueueUpsert(ctx, tv.Record{ID: "srv-1", Version: 1, Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)

	deletions, err := store.ListPendingDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, deletions)
	upserts, deletionCount, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, upserts)
	assert.Zero(t, deletionCount)
}

func TestEnqueueDeletionRejectsEmptyID(t *testing.T) {
	store := New(kv.NewMemoryBackend(), Options{})
	assert.ErrorIs(t, store.EnqueueDeletion(context.Background(), " "), tv.ErrInvalidInput)
}

func TestQueuesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")

	backend, err := kv.NewFileBackend(path)
	require.NoError(t, err)
	store := New(backend, Options{NewID: sequentialIDs("local-1")})
	_, err = store.EnqueueUpsert(ctx, tv.Record{Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)
	require.NoError(t, store.EnqueueDeletion(ctx, "srv-4"))
	require.NoError(t, backend.Close())

	reopened, err := kv.NewFileBackend(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	store = New(reopened, Options{})

	upserts, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	require.Len(t, upserts, 1)
	assert.Equal(t, "local-1", upserts[0].ID)
	assert.True(t, upserts[0].LocalOnly)
	deletions, err := store.ListPendingDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-4"}, deletions)
}

func TestTwoKeyWriteRollsBackFirstKey(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{inner: kv.NewMemoryBackend()}
	store := New(backend, Options{})

	_, err := store.EnqueueUpsert(ctx, tv.Record{ID: "srv-1", Version: 1, Manufacturer: "LG", Model: "C1"})
	require.NoError(t, err)

	// Deletions are written first on this path; the upsert write fails.
	backend.failKey = UpsertsKey
	err = store.EnqueueDeletion(ctx, "srv-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, tv.ErrPersistence)

	backend.failKey = ""
	upserts, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	assert.Len(t, upserts, 1)
	deletions, err := store.ListPendingDeletions(ctx)
	require.NoError(t, err)
	assert.Empty(t, deletions, "deletion must be rolled back")
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	backend := &flakyBackend{inner: kv.NewMemoryBackend(), failKey: UpsertsKey}
	store := New(backend, Options{})

	_, err := store.EnqueueUpsert(context.Background(), tv.Record{Manufacturer: "LG", Model: "C1"})
	var perr *tv.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "set", perr.Op)
	assert.Equal(t, UpsertsKey, perr.Key)
}

func TestCorruptQueueSurfacesAsPersistenceError(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryBackend()
	require.NoError(t, backend.Set(ctx, DeletionsKey, []byte("{oops")))
	store := New(backend, Options{})

	_, err := store.ListPendingDeletions(ctx)
	assert.ErrorIs(t, err, tv.ErrPersistence)
}

func TestRemovePendingKeepsOthers(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryBackend(), Options{})
	for i := 1; i <= 3; i++ {
		_, err := store.EnqueueUpsert(ctx, tv.Record{ID: fmt.Sprintf("srv-%d", i), Version: 1, Manufacturer: "m", Model: "x"})
		require.NoError(t, err)
		require.NoError(t, store.EnqueueDeletion(ctx, fmt.Sprintf("gone-%d", i)))
	}

	require.NoError(t, store.RemovePendingUpserts(ctx, "srv-1", "srv-3"))
	require.NoError(t, store.RemovePendingDeletions(ctx, "gone-2"))
	require.NoError(t, store.RemovePendingDeletions(ctx))

	upserts, err := store.ListPendingUpserts(ctx)
	require.NoError(t, err)
	require.Len(t, upserts, 1)
	assert.Equal(t, "srv-2", upserts[0].ID)
	deletions, err := store.ListPendingDeletions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone-1", "gone-3"}, deletions)

	require.NoError(t, store.ClearPendingUpserts(ctx))
	require.NoError(t, store.ClearPendingDeletions(ctx))
	u, d, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, u)
	assert.Zero(t, d)
}
