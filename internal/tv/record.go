// Package tv holds the domain types shared by every layer of the sync core:
// the Record entity, list queries, push events and the error taxonomy.
//
// Only ID, Version and LocalOnly carry meaning for synchronization; the
// remaining fields are opaque payload carried between the store, the gateway
// and the aggregator.
package tv

import (
	"strings"
	"time"
)

const DefaultPageSize = 25

// Record is a single TV entry. ID is either a canonical server id or a
// client-generated id while LocalOnly is set.
type Record struct {
	ID              string   `json:"_id,omitempty"`
	Version         int      `json:"version,omitempty"`
	LocalOnly       bool     `json:"localOnly,omitempty"`
	Manufacturer    string   `json:"manufacturer"`
	Model           string   `json:"model"`
	FabricationDate string   `json:"fabricationDate,omitempty"`
	Price           float64  `json:"price"`
	IsSmart         bool     `json:"isSmart"`
	Photo           string   `json:"photo,omitempty"`
	Lat             *float64 `json:"lat,omitempty"`
	Lng             *float64 `json:"lng,omitempty"`
}

// IsNew reports whether the record has never been assigned an id.
func (r Record) IsNew() bool {
	return strings.TrimSpace(r.ID) == ""
}

// DisplayText is the text offline search matches against.
func (r Record) DisplayText() string {
	return r.Manufacturer + " " + r.Model
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	out := r
	if r.Lat != nil {
		lat := *r.Lat
		out.Lat = &lat
	}
	if r.Lng != nil {
		lng := *r.Lng
		out.Lng = &lng
	}
	return out
}

// ForCreate strips the client-side id markers of a local-only record so the
// server assigns the canonical id. Server-known records are returned as is.
func (r Record) ForCreate() Record {
	out := r.Clone()
	if out.LocalOnly {
		out.ID = ""
		out.LocalOnly = false
		out.Version = 0
	}
	return out
}

// Filters are the structured list filters. Empty fields are not applied.
type Filters struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Type      string `json:"type,omitempty"`
}

// IsZero reports whether no filter would narrow a list. Type "all" is the
// same as no type.
func (f *Filters) IsZero() bool {
	if f == nil {
		return true
	}
	typ := strings.TrimSpace(f.Type)
	return strings.TrimSpace(f.StartDate) == "" && strings.TrimSpace(f.EndDate) == "" && (typ == "" || typ == TypeAll)
}

const (
	TypeAll      = "all"
	TypeSmart    = "smart"
	TypeNonSmart = "nonSmart"
)

// Query describes one list call. Search wins over Filters; with neither the
// call is plain pagination.
type Query struct {
	Search   string   `json:"search,omitempty"`
	Page     int      `json:"page,omitempty"`
	PageSize int      `json:"pageSize,omitempty"`
	Filters  *Filters `json:"filters,omitempty"`
}

func (q Query) Normalize() Query {
	q.Search = strings.TrimSpace(q.Search)
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.Filters.IsZero() {
		q.Filters = nil
	}
	return q
}

// Page is one list result.
type Page struct {
	Items      []Record `json:"items"`
	TotalPages int      `json:"totalPages"`
}

// MatchesSearch reports whether the record's display text contains search,
// ignoring case. An empty search matches everything.
func MatchesSearch(r Record, search string) bool {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.DisplayText()), search)
}

var dateLayouts = []string{time.DateOnly, time.RFC3339, time.RFC3339Nano}

// ParseDate accepts a plain date or an RFC 3339 timestamp.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// MatchesFilters applies structured filters. Records without a parsable
// fabrication date never match a date bound.
func MatchesFilters(r Record, f *Filters) bool {
	if f.IsZero() {
		return true
	}
	switch strings.TrimSpace(f.Type) {
	case TypeSmart:
		if !r.IsSmart {
			return false
		}
	case TypeNonSmart:
		if r.IsSmart {
			return false
		}
	}
	if strings.TrimSpace(f.StartDate) == "" && strings.TrimSpace(f.EndDate) == "" {
		return true
	}
	made, ok := ParseDate(r.FabricationDate)
	if !ok {
		return false
	}
	if start, ok := ParseDate(f.StartDate); ok && made.Before(start) {
		return false
	}
	if end, ok := ParseDate(f.EndDate); ok && made.After(end) {
		return false
	}
	return true
}
