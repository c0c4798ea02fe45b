// Package aggregate owns the visible TV collection. Reduce is the pure
// transition function; Aggregator runs it on a single goroutine and feeds it
// fetch results, push events, local mutation results and connectivity.
package aggregate

import (
	"slices"

	"github.com/agentworkforce/tvsync/internal/tv"
)

// State is one immutable collection snapshot. Reduce never mutates the
// Records slice it was given.
type State struct {
	Records       []tv.Record
	Loading       bool
	RequestError  string
	OfflineNotice string
	Page          int
	TotalPages    int
	Search        string
	Filters       *tv.Filters
	Online        bool
	// OfflineFilter is the search applied in memory while offline.
	OfflineFilter string
}

func Initial() State {
	return State{Records: []tv.Record{}, Page: 1, TotalPages: 1}
}

// Visible is what a list view shows: the held records, narrowed by the
// offline filter while offline.
func (s State) Visible() []tv.Record {
	if s.Online || s.OfflineFilter == "" {
		return s.Records
	}
	out := make([]tv.Record, 0, len(s.Records))
	for _, r := range s.Records {
		if tv.MatchesSearch(r, s.OfflineFilter) {
			out = append(out, r)
		}
	}
	return out
}

// VisibleTotalPages is always one while offline.
func (s State) VisibleTotalPages() int {
	if !s.Online {
		return 1
	}
	return s.TotalPages
}

// Has reports whether id is in the held collection.
func (s State) Has(id string) bool {
	return indexOf(s.Records, id) >= 0
}

// CanLoadMore reports whether another server page exists.
func (s State) CanLoadMore() bool {
	return s.Online && s.Page < s.TotalPages
}

// Action is any input Reduce understands.
type Action interface {
	action()
}

type FetchStarted struct{}

type FetchSucceeded struct {
	Page       int
	Items      []tv.Record
	TotalPages int
}

type FetchFailed struct {
	Err string
}

// OfflineFiltered replaces a list request while offline.
type OfflineFiltered struct {
	Search string
}

type MutationStarted struct{}

type MutationFailed struct {
	Err string
}

type Saved struct {
	Record tv.Record
	Notice string
}

type Deleted struct {
	ID     string
	Notice string
}

type Remapped struct {
	LocalID string
	Record  tv.Record
}

type SetPage struct {
	Page int
}

type SetQuery struct {
	Search  string
	Filters *tv.Filters
}

type SetOnline struct {
	Online bool
}

func (FetchStarted) action()    {}
func (FetchSucceeded) action()  {}
func (FetchFailed) action()     {}
func (OfflineFiltered) action() {}
func (MutationStarted) action() {}
func (MutationFailed) action()  {}
func (Saved) action()           {}
func (Deleted) action()         {}
func (Remapped) action()        {}
func (SetPage) action()         {}
func (SetQuery) action()        {}
func (SetOnline) action()       {}

func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case FetchStarted:
		s.Loading = true
		s.RequestError = ""
		s.OfflineNotice = ""
	case FetchSucceeded:
		if a.Page <= 1 {
			s.Records = dedupe(a.Items)
		} else {
			s.Records = upsertAll(s.Records, a.Items)
		}
		s.Loading = false
		s.Page = max(a.Page, 1)
		s.TotalPages = max(a.TotalPages, 1)
	case FetchFailed:
		s.Loading = false
		s.RequestError = a.Err
	case OfflineFiltered:
		s.Loading = false
		s.RequestError = ""
		s.OfflineFilter = a.Search
		s.Page = 1
		s.TotalPages = 1
	case MutationStarted:
		s.Loading = true
		s.RequestError = ""
	case MutationFailed:
		s.Loading = false
		s.RequestError = a.Err
	case Saved:
		s.Records = upsert(s.Records, a.Record)
		s.Loading = false
		s.OfflineNotice = a.Notice
	case Deleted:
		s.Records = remove(s.Records, a.ID)
		s.Loading = false
		s.OfflineNotice = a.Notice
	case Remapped:
		s.Records = remap(s.Records, a.LocalID, a.Record)
	case SetPage:
		s.Page = max(a.Page, 1)
	case SetQuery:
		s.Search = a.Search
		s.Filters = a.Filters
		s.Page = 1
	case SetOnline:
		s.Online = a.Online
		if !a.Online {
			s.OfflineFilter = s.Search
		}
	}
	return s
}

func indexOf(records []tv.Record, id string) int {
	return slices.IndexFunc(records, func(r tv.Record) bool { return r.ID == id })
}

// upsert replaces the record with the same id in place, or appends it.
func upsert(records []tv.Record, r tv.Record) []tv.Record {
	out := slices.Clone(records)
	if i := indexOf(out, r.ID); i >= 0 {
		out[i] = r
		return out
	}
	return append(out, r)
}

func upsertAll(records, items []tv.Record) []tv.Record {
	out := slices.Clone(records)
	for _, r := range items {
		if i := indexOf(out, r.ID); i >= 0 {
			out[i] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func dedupe(items []tv.Record) []tv.Record {
	return upsertAll(make([]tv.Record, 0, len(items)), items)
}

func remove(records []tv.Record, id string) []tv.Record {
	i := indexOf(records, id)
	if i < 0 {
		return records
	}
	return slices.Delete(slices.Clone(records), i, i+1)
}

// remap swaps a local entry for its canonical record, or drops it when the
// canonical id is already held. Without a local entry it is a plain upsert.
func remap(records []tv.Record, localID string, canonical tv.Record) []tv.Record {
	i := indexOf(records, localID)
	if i < 0 {
		return upsert(records, canonical)
	}
	if indexOf(records, canonical.ID) >= 0 {
		return remove(records, localID)
	}
	out := slices.Clone(records)
	out[i] = canonical
	return out
}
