package tv

import (
	"errors"
	"fmt"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrVersionConflict    = errors.New("version conflict")
	ErrNotFound           = errors.New("not found")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
)

// VersionConflictError is returned when an update carries a stale version.
type VersionConflictError struct {
	ID       string
	Expected int
	Current  int
	Message  string
}

func (e *VersionConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ID == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for %s: sent version %d, server has %d", e.ID, e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// PersistenceError wraps a durable store failure.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// HTTPError is any non-2xx answer that does not map onto a sentinel.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// NetworkError marks err as a connectivity failure while keeping the cause.
func NetworkError(err error) error {
	if err == nil || errors.Is(err, ErrNetworkUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
}

// IsOffline reports whether err should route a mutation to the offline path.
func IsOffline(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
