package tvapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/agentworkforce/tvsync/internal/kv"
	"github.com/agentworkforce/tvsync/internal/tv"
)

const snapshotKey = "tvapi-state"

// Store is the server's versioned record table. Records keep creation
// order; updates bump Version by one.
type Store struct {
	mu      sync.Mutex
	records map[string]tv.Record
	order   []string
	nextID  int64
	backend kv.Backend
}

type storeSnapshot struct {
	NextID  int64       `json:"nextId"`
	Records []tv.Record `json:"records"`
}

func NewStore() *Store {
	return &Store{records: map[string]tv.Record{}}
}

// NewStoreWithBackend loads any snapshot held by backend and writes every
// later mutation back to it.
func NewStoreWithBackend(ctx context.Context, backend kv.Backend) (*Store, error) {
	s := NewStore()
	if backend == nil {
		return s, nil
	}
	s.backend = backend
	data, ok, err := backend.Get(ctx, snapshotKey)
	if err != nil {
		return nil, &tv.PersistenceError{Op: "get", Key: snapshotKey, Err: err}
	}
	if !ok {
		return s, nil
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, &tv.PersistenceError{Op: "decode", Key: snapshotKey, Err: err}
	}
	s.nextID = snapshot.NextID
	for _, r := range snapshot.Records {
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	return s, nil
}

func (s *Store) List(q tv.Query) tv.Page {
	q = q.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]tv.Record, 0, len(s.order))
	for _, id := range s.order {
		r := s.records[id]
		switch {
		case q.Search != "":
			if !tv.MatchesSearch(r, q.Search) {
				continue
			}
		case q.Filters != nil:
			if !tv.MatchesFilters(r, q.Filters) {
				continue
			}
		}
		matched = append(matched, r.Clone())
	}

	totalPages := (len(matched) + q.PageSize - 1) / q.PageSize
	if totalPages < 1 {
		totalPages = 1
	}
	start := (q.Page - 1) * q.PageSize
	if start >= len(matched) {
		return tv.Page{Items: []tv.Record{}, TotalPages: totalPages}
	}
	end := min(start+q.PageSize, len(matched))
	return tv.Page{Items: matched[start:end], TotalPages: totalPages}
}

func (s *Store) Get(id string) (tv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return tv.Record{}, fmt.Errorf("%w: %s", tv.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *Store) Create(ctx context.Context, r tv.Record) (tv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r = r.Clone()
	r.ID = strconv.FormatInt(s.nextID, 10)
	r.Version = 1
	r.LocalOnly = false
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	if err := s.persistLocked(ctx); err != nil {
		delete(s.records, r.ID)
		s.order = s.order[:len(s.order)-1]
		s.nextID--
		return tv.Record{}, err
	}
	return r.Clone(), nil
}

func (s *Store) Update(ctx context.Context, r tv.Record) (tv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[r.ID]
	if !ok {
		return tv.Record{}, fmt.Errorf("%w: %s", tv.ErrNotFound, r.ID)
	}
	if r.Version != current.Version {
		return tv.Record{}, &tv.VersionConflictError{ID: r.ID, Expected: r.Version, Current: current.Version}
	}
	next := r.Clone()
	next.Version = current.Version + 1
	next.LocalOnly = false
	s.records[r.ID] = next
	if err := s.persistLocked(ctx); err != nil {
		s.records[r.ID] = current
		return tv.Record{}, err
	}
	return next.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string) (tv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return tv.Record{}, fmt.Errorf("%w: %s", tv.ErrNotFound, id)
	}
	prevOrder := s.order
	delete(s.records, id)
	order := make([]string, 0, len(s.order))
	for _, existing := range s.order {
		if existing != id {
			order = append(order, existing)
		}
	}
	s.order = order
	if err := s.persistLocked(ctx); err != nil {
		s.records[id] = current
		s.order = prevOrder
		return tv.Record{}, err
	}
	return current.Clone(), nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snapshot := storeSnapshot{NextID: s.nextID, Records: make([]tv.Record, 0, len(s.order))}
	for _, id := range s.order {
		snapshot.Records = append(snapshot.Records, s.records[id])
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return &tv.PersistenceError{Op: "encode", Key: snapshotKey, Err: err}
	}
	if err := s.backend.Set(ctx, snapshotKey, data); err != nil {
		return &tv.PersistenceError{Op: "set", Key: snapshotKey, Err: err}
	}
	return nil
}
