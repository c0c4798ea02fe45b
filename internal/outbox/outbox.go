// Package outbox is the local mutation store: the two durable queues of
// upserts and deletions recorded while the client is offline.
//
// Both queues live under fixed keys of a kv.Backend as JSON arrays. Every
// call is all-or-nothing: when a call rewrites both queues and the second
// write fails, the first is restored before the error is returned.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/tvsync/internal/kv"
	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/tv"
)

const (
	UpsertsKey   = "added-tvs"
	DeletionsKey = "deleted-tvs"
)

const maxIDAttempts = 16

type Options struct {
	// IDTaken reports ids known outside the queues, such as the visible
	// collection. Generated ids never collide with them.
	IDTaken func(id string) bool
	// NewID overrides the id generator.
	NewID  func() string
	Logger logging.Logger
}

type Store struct {
	backend kv.Backend
	idTaken func(string) bool
	newID   func() string
	logger  logging.Logger

	mu sync.Mutex
}

func New(backend kv.Backend, opts Options) *Store {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		backend: backend,
		idTaken: opts.IDTaken,
		newID:   newID,
		logger:  logger,
	}
}

// SetIDTaken replaces the collision hook. It exists because the collection
// that owns the visible ids is usually built after the store.
func (s *Store) SetIDTaken(fn func(id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idTaken = fn
}

// EnqueueUpsert queues r for replay and returns the record as queued. A
// record without an id receives a fresh local id and is marked LocalOnly.
// Queuing an id that is already pending replaces the earlier entry in place.
func (s *Store) EnqueueUpsert(ctx context.Context, r tv.Record) (tv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upserts, err := s.loadUpserts(ctx)
	if err != nil {
		return tv.Record{}, err
	}
	deletions, err := s.loadDeletions(ctx)
	if err != nil {
		return tv.Record{}, err
	}

	r = r.Clone()
	if r.IsNew() {
		id, err := s.generateID(upserts, deletions)
		if err != nil {
			return tv.Record{}, err
		}
		r.ID = id
		r.LocalOnly = true
		r.Version = 0
	}

	replaced := false
	for i := range upserts {
		if upserts[i].ID == r.ID {
			if upserts[i].LocalOnly {
				r.LocalOnly = true
			}
			upserts[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		upserts = append(upserts, r)
	}

	// A record resurrected after a queued delete must not sit in both queues.
	nextDeletions, droppedDeletion := without(deletions, r.ID)
	if droppedDeletion {
		if err := s.writePair(ctx, UpsertsKey, upserts, DeletionsKey, nextDeletions); err != nil {
			return tv.Record{}, err
		}
	} else if err := s.writeUpserts(ctx, upserts); err != nil {
		return tv.Record{}, err
	}
	s.logger.Debug(ctx, "queued upsert", "id", r.ID, "local_only", r.LocalOnly, "replaced", replaced)
	return r.Clone(), nil
}

// EnqueueDeletion queues id for deletion. A local-only record is simply
// dropped from the pending upserts since the server never saw it.
func (s *Store) EnqueueDeletion(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty id", tv.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	upserts, err := s.loadUpserts(ctx)
	if err != nil {
		return err
	}
	deletions, err := s.loadDeletions(ctx)
	if err != nil {
		return err
	}

	localOnly := false
	nextUpserts := make([]tv.Record, 0, len(upserts))
	for _, r := range upserts {
		if r.ID == id {
			localOnly = localOnly || r.LocalOnly
			continue
		}
		nextUpserts = append(nextUpserts, r)
	}
	upsertDropped := len(nextUpserts) != len(upserts)

	if localOnly {
		s.logger.Debug(ctx, "cancelled local-only upsert", "id", id)
		return s.writeUpserts(ctx, nextUpserts)
	}

	nextDeletions := deletions
	if !contains(deletions, id) {
		nextDeletions = append(append([]string(nil), deletions...), id)
	}
	s.logger.Debug(ctx, "queued deletion", "id", id, "dropped_upsert", upsertDropped)
	if upsertDropped {
		return s.writePair(ctx, DeletionsKey, nextDeletions, UpsertsKey, nextUpserts)
	}
	return s.writeDeletions(ctx, nextDeletions)
}

func (s *Store) ListPendingUpserts(ctx context.Context) ([]tv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUpserts(ctx)
}

func (s *Store) ListPendingDeletions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDeletions(ctx)
}

func (s *Store) ClearPendingUpserts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Remove(ctx, UpsertsKey); err != nil {
		return &tv.PersistenceError{Op: "remove", Key: UpsertsKey, Err: err}
	}
	return nil
}

func (s *Store) ClearPendingDeletions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Remove(ctx, DeletionsKey); err != nil {
		return &tv.PersistenceError{Op: "remove", Key: DeletionsKey, Err: err}
	}
	return nil
}

// RemovePendingUpserts drops the entries with the given ids and keeps the
// rest in order.
func (s *Store) RemovePendingUpserts(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	upserts, err := s.loadUpserts(ctx)
	if err != nil {
		return err
	}
	drop := toSet(ids)
	next := make([]tv.Record, 0, len(upserts))
	for _, r := range upserts {
		if _, ok := drop[r.ID]; !ok {
			next = append(next, r)
		}
	}
	if len(next) == len(upserts) {
		return nil
	}
	return s.writeUpserts(ctx, next)
}

func (s *Store) RemovePendingDeletions(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deletions, err := s.loadDeletions(ctx)
	if err != nil {
		return err
	}
	drop := toSet(ids)
	next := make([]string, 0, len(deletions))
	for _, id := range deletions {
		if _, ok := drop[id]; !ok {
			next = append(next, id)
		}
	}
	if len(next) == len(deletions) {
		return nil
	}
	return s.writeDeletions(ctx, next)
}

// Pending reports the queue depths.
func (s *Store) Pending(ctx context.Context) (upserts, deletions int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.loadUpserts(ctx)
	if err != nil {
		return 0, 0, err
	}
	d, err := s.loadDeletions(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(u), len(d), nil
}

func (s *Store) generateID(upserts []tv.Record, deletions []string) (string, error) {
	taken := make(map[string]struct{}, len(upserts)+len(deletions))
	for _, r := range upserts {
		taken[r.ID] = struct{}{}
	}
	for _, id := range deletions {
		taken[id] = struct{}{}
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.newID()
		if strings.TrimSpace(id) == "" {
			continue
		}
		if _, ok := taken[id]; ok {
			continue
		}
		if s.idTaken != nil && s.idTaken(id) {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("%w: could not generate an unused local id", tv.ErrPersistence)
}

func (s *Store) loadUpserts(ctx context.Context) ([]tv.Record, error) {
	var out []tv.Record
	if err := s.load(ctx, UpsertsKey, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []tv.Record{}
	}
	return out, nil
}

func (s *Store) loadDeletions(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.load(ctx, DeletionsKey, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, key string, dst any) error {
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return &tv.PersistenceError{Op: "get", Key: key, Err: err}
	}
	if !ok || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &tv.PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

func (s *Store) writeUpserts(ctx context.Context, upserts []tv.Record) error {
	return s.write(ctx, UpsertsKey, upserts)
}

func (s *Store) writeDeletions(ctx context.Context, deletions []string) error {
	return s.write(ctx, DeletionsKey, deletions)
}

func (s *Store) write(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &tv.PersistenceError{Op: "encode", Key: key, Err: err}
	}
	if err := s.backend.Set(ctx, key, data); err != nil {
		return &tv.PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// writePair stores two keys as one step. Backends without batch support get
// the first key written first, restored if the second write fails.
func (s *Store) writePair(ctx context.Context, firstKey string, first any, secondKey string, second any) error {
	firstData, err := json.Marshal(first)
	if err != nil {
		return &tv.PersistenceError{Op: "encode", Key: firstKey, Err: err}
	}
	secondData, err := json.Marshal(second)
	if err != nil {
		return &tv.PersistenceError{Op: "encode", Key: secondKey, Err: err}
	}
	if batch, ok := s.backend.(kv.BatchWriter); ok {
		if err := batch.SetBatch(ctx, map[string][]byte{firstKey: firstData, secondKey: secondData}); err != nil {
			return &tv.PersistenceError{Op: "set", Key: firstKey + "," + secondKey, Err: err}
		}
		return nil
	}
	prev, _, err := s.backend.Get(ctx, firstKey)
	if err != nil {
		return &tv.PersistenceError{Op: "get", Key: firstKey, Err: err}
	}
	if err := s.backend.Set(ctx, firstKey, firstData); err != nil {
		return &tv.PersistenceError{Op: "set", Key: firstKey, Err: err}
	}
	if err := s.backend.Set(ctx, secondKey, secondData); err != nil {
		s.restore(ctx, firstKey, prev)
		return &tv.PersistenceError{Op: "set", Key: secondKey, Err: err}
	}
	return nil
}

func (s *Store) restore(ctx context.Context, key string, prev []byte) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if prev == nil {
		err = s.backend.Remove(ctx, key)
	} else {
		err = s.backend.Set(ctx, key, prev)
	}
	if err != nil {
		s.logger.Error(ctx, "restore after failed write", "key", key, "err", err)
	}
}

func without(ids []string, id string) ([]string, bool) {
	out := make([]string, 0, len(ids))
	dropped := false
	for _, existing := range ids {
		if existing == id {
			dropped = true
			continue
		}
		out = append(out, existing)
	}
	return out, dropped
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
