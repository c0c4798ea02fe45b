// Package tvapi is a reference TV inventory server speaking the REST and
// websocket protocol the sync client expects. It backs local runs and the
// end-to-end tests of the client packages.
package tvapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/tv"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns are the browser origins allowed on /ws.
	OriginPatterns []string
	Logger         logging.Logger
}

type Server struct {
	store       *Store
	cfg         ServerConfig
	hub         *hub
	logger      logging.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if store == nil {
		store = NewStore()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		hub:         newHub(cfg.JWTSecret, logger),
		logger:      logger,
		rateLimiter: limiter,
	}
}

// PushClients reports how many authenticated websocket clients are attached.
func (s *Server) PushClients() int {
	return s.hub.count()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/ws" {
		s.handleWebsocket(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "tv" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 1 && r.Method == http.MethodPost:
		route = "create"
	case len(parts) == 2 && r.Method == http.MethodGet:
		route = "get"
	case len(parts) == 2 && r.Method == http.MethodPut:
		route = "update"
	case len(parts) == 2 && r.Method == http.MethodDelete:
		route = "delete"
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
		return
	}

	claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Username, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	var id string
	if len(parts) == 2 {
		unescaped, err := url.PathUnescape(parts[1])
		if err != nil || strings.TrimSpace(unescaped) == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid id", correlationID)
			return
		}
		id = unescaped
	}

	switch route {
	case "list":
		s.handleList(w, r, correlationID)
	case "create":
		s.handleCreate(w, r, correlationID)
	case "get":
		s.handleGet(w, id, correlationID)
	case "update":
		s.handleUpdate(w, r, id, correlationID)
	case "delete":
		s.handleDelete(w, r, id, correlationID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	page, err := parseOptionalBoundedInt(query.Get("page"), 1, 1, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid page", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), tv.DefaultPageSize, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid limit", correlationID)
		return
	}
	q := tv.Query{Search: query.Get("search"), Page: page, PageSize: limit}
	if q.Search == "" {
		filters := &tv.Filters{
			StartDate: query.Get("startDate"),
			EndDate:   query.Get("endDate"),
			Type:      query.Get("type"),
		}
		for _, raw := range []string{filters.StartDate, filters.EndDate} {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if _, ok := tv.ParseDate(raw); !ok {
				writeError(w, http.StatusBadRequest, "invalid_input", "invalid date filter", correlationID)
				return
			}
		}
		switch filters.Type {
		case "", tv.TypeAll, tv.TypeSmart, tv.TypeNonSmart:
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid type filter", correlationID)
			return
		}
		q.Filters = filters
	}
	writeData(w, http.StatusOK, s.store.List(q))
}

func (s *Server) handleGet(w http.ResponseWriter, id, correlationID string) {
	record, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeData(w, http.StatusOK, record)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	record, ok := s.decodeRecord(w, r, correlationID)
	if !ok {
		return
	}
	created, err := s.store.Create(r.Context(), record)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.broadcast(r.Context(), tv.Event{Action: tv.ActionCreate, Record: created})
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	record, ok := s.decodeRecord(w, r, correlationID)
	if !ok {
		return
	}
	if record.ID != "" && record.ID != id {
		writeError(w, http.StatusBadRequest, "invalid_input", "body id does not match path", correlationID)
		return
	}
	record.ID = id
	updated, err := s.store.Update(r.Context(), record)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.broadcast(r.Context(), tv.Event{Action: tv.ActionUpdate, Record: updated})
	writeData(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.broadcast(r.Context(), tv.Event{Action: tv.ActionDelete, Record: tv.Record{ID: deleted.ID, Version: deleted.Version}})
	writeData(w, http.StatusOK, map[string]string{"_id": deleted.ID})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug(r.Context(), "websocket accept failed", "err", err)
		return
	}
	s.hub.serve(context.WithoutCancel(r.Context()), conn)
}

func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request, correlationID string) (tv.Record, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return tv.Record{}, false
	}
	if err := tv.ValidateRecordJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
		return tv.Record{}, false
	}
	var record tv.Record
	if err := json.Unmarshal(body, &record); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return tv.Record{}, false
	}
	return record, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *tv.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"success":        false,
			"error":          conflict.Error(),
			"code":           "version_conflict",
			"versionError":   true,
			"currentVersion": conflict.Current,
			"correlationId":  correlationID,
		})
	case errors.Is(err, tv.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		s.logger.Error(context.Background(), "store failure", "err", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"success":       false,
		"code":          code,
		"error":         message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
