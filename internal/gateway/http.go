package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/tv"
)

const (
	defaultBaseURL = "http://127.0.0.1:8000"

	CodeVersionConflict = "version_conflict"
	CodeNotFound        = "not_found"
	CodeInvalidInput    = "invalid_input"
	CodeUnauthorized    = "unauthorized"
)

// Envelope is the body of every REST answer.
type Envelope struct {
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
	Code           string          `json:"code,omitempty"`
	VersionError   bool            `json:"versionError,omitempty"`
	CurrentVersion int             `json:"currentVersion,omitempty"`
}

type HTTPGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logging.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ Gateway = (*HTTPGateway)(nil)

func NewHTTPGateway(baseURL, token string, httpClient *http.Client) *HTTPGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPGateway{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logging.Discard(),
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (g *HTTPGateway) WithLogger(logger logging.Logger) *HTTPGateway {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// WithRetries sets how many times a transient failure is retried.
func (g *HTTPGateway) WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) *HTTPGateway {
	g.maxRetries = maxRetries
	g.baseDelay = baseDelay
	g.maxDelay = maxDelay
	return g
}

func (g *HTTPGateway) BaseURL() string {
	return g.baseURL
}

func (g *HTTPGateway) List(ctx context.Context, q tv.Query) (tv.Page, error) {
	var out tv.Page
	if err := g.doJSON(ctx, http.MethodGet, "/tv?"+listQuery(q).Encode(), nil, &out); err != nil {
		return tv.Page{}, err
	}
	if out.Items == nil {
		out.Items = []tv.Record{}
	}
	return out, nil
}

func (g *HTTPGateway) Get(ctx context.Context, id string) (tv.Record, error) {
	if strings.TrimSpace(id) == "" {
		return tv.Record{}, fmt.Errorf("%w: empty id", tv.ErrInvalidInput)
	}
	var out tv.Record
	err := g.doJSON(ctx, http.MethodGet, "/tv/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (g *HTTPGateway) Create(ctx context.Context, r tv.Record) (tv.Record, error) {
	body := r.Clone()
	body.ID = ""
	body.LocalOnly = false
	body.Version = 0
	var out tv.Record
	err := g.doJSON(ctx, http.MethodPost, "/tv", body, &out)
	return out, err
}

func (g *HTTPGateway) Update(ctx context.Context, r tv.Record) (tv.Record, error) {
	if r.IsNew() {
		return tv.Record{}, fmt.Errorf("%w: update without id", tv.ErrInvalidInput)
	}
	var out tv.Record
	err := g.doJSON(ctx, http.MethodPut, "/tv/"+url.PathEscape(r.ID), r, &out)
	var conflict *tv.VersionConflictError
	if errors.As(err, &conflict) {
		conflict.ID = r.ID
		conflict.Expected = r.Version
	}
	return out, err
}

func (g *HTTPGateway) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", tv.ErrInvalidInput)
	}
	return g.doJSON(ctx, http.MethodDelete, "/tv/"+url.PathEscape(id), nil, nil)
}

// Ping checks that the API answers at all. It is the connectivity probe and
// does not retry.
func (g *HTTPGateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return tv.NetworkError(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return tv.NetworkError(&tv.HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"})
	}
	return nil
}

func listQuery(q tv.Query) url.Values {
	q = q.Normalize()
	values := url.Values{}
	switch {
	case q.Search != "":
		values.Set("search", q.Search)
	case q.Filters != nil:
		if v := strings.TrimSpace(q.Filters.StartDate); v != "" {
			values.Set("startDate", v)
		}
		if v := strings.TrimSpace(q.Filters.EndDate); v != "" {
			values.Set("endDate", v)
		}
		if v := strings.TrimSpace(q.Filters.Type); v != "" && v != tv.TypeAll {
			values.Set("type", v)
		}
	}
	values.Set("page", strconv.Itoa(q.Page))
	values.Set("limit", strconv.Itoa(q.PageSize))
	return values
}

func (g *HTTPGateway) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlation := uuid.NewString()
	// A create that failed after the server committed it would be created
	// twice if sent again.
	maxRetries := g.maxRetries
	if method == http.MethodPost {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+g.token)
		req.Header.Set("X-Correlation-Id", correlation)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < maxRetries {
				g.logger.Debug(ctx, "retrying request", "method", method, "path", requestPath, "attempt", attempt+1, "err", err)
				if waitErr := waitWithContext(ctx, g.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return tv.NetworkError(err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return tv.NetworkError(readErr)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, g.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var env Envelope
		decodeErr := json.Unmarshal(payloadBytes, &env)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 && decodeErr == nil && env.Success {
			if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
				return nil
			}
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, requestPath, err)
			}
			return nil
		}
		return responseError(resp.StatusCode, env)
	}
}

func responseError(status int, env Envelope) error {
	message := env.Error
	if message == "" {
		message = http.StatusText(status)
	}
	if status == http.StatusConflict || env.Code == CodeVersionConflict || env.VersionError {
		return &tv.VersionConflictError{Current: env.CurrentVersion, Message: env.Error}
	}
	httpErr := &tv.HTTPError{StatusCode: status, Code: env.Code, Message: message}
	switch {
	case status == http.StatusNotFound || env.Code == CodeNotFound:
		return fmt.Errorf("%w: %w", tv.ErrNotFound, httpErr)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || env.Code == CodeInvalidInput:
		return fmt.Errorf("%w: %w", tv.ErrInvalidInput, httpErr)
	case unavailableStatus(status):
		return tv.NetworkError(httpErr)
	}
	return httpErr
}

// unavailableStatus reports answers that mean the API cannot serve anything
// right now, as opposed to failing this one request.
func unavailableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (g *HTTPGateway) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := g.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := g.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
