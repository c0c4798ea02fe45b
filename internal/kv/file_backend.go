package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/tvsync/internal/tv"
)

var ErrLocked = errors.New("store is locked by another process")

// syncParent runs after each rename; tests swap it to observe commits.
var syncParent = syncDir

// FileBackend keeps every key in one JSON document. The document is rewritten
// through a temp file and rename on each mutation, and an advisory lock on
// "<path>.lock" keeps a second process from opening the same store.
type FileBackend struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	lock    *fileLock
	closed  bool
}

type fileBackendState struct {
	Entries map[string]string `json:"entries"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, tv.ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	b := &FileBackend{
		path:    path,
		entries: map[string]string{},
		lock:    lock,
	}
	if err := b.load(); err != nil {
		_ = lock.release()
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return b.SetBatch(ctx, map[string][]byte{key: value})
}

func (b *FileBackend) SetBatch(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return os.ErrClosed
	}
	next := make(map[string]string, len(b.entries)+len(values))
	for key, value := range b.entries {
		next[key] = value
	}
	for key, value := range values {
		if value == nil {
			delete(next, key)
			continue
		}
		next[key] = string(value)
	}
	return b.commitLocked(next)
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, os.ErrClosed
	}
	value, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (b *FileBackend) Remove(ctx context.Context, key string) error {
	return b.SetBatch(ctx, map[string][]byte{key: nil})
}

func (b *FileBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.entries), nil
}

func (b *FileBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return os.ErrClosed
	}
	return b.commitLocked(map[string]string{})
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.lock.release()
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var snapshot fileBackendState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode %s: %w", b.path, err)
	}
	if snapshot.Entries != nil {
		b.entries = snapshot.Entries
	}
	return nil
}

// commitLocked writes next to disk and only then adopts it in memory, so a
// failed write leaves both copies on the previous state.
func (b *FileBackend) commitLocked(next map[string]string) error {
	data, err := json.Marshal(fileBackendState{Entries: next})
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return err
	}
	if err := syncParent(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("sync %s: %w", filepath.Dir(b.path), err)
	}
	b.entries = next
	return nil
}
