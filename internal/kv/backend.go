// Package kv provides the durable key-value persistence the local mutation
// store is built on. Backends are chosen by DSN; see BuildBackendFromDSN.
package kv

import (
	"context"
	"sort"
	"sync"
)

// Backend is a durable string-keyed byte store. A Set that returns nil has
// reached stable storage. Set with a nil value stores an empty value; only
// Remove, or a nil value passed to SetBatch, deletes a key.
type Backend interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Close() error
}

// BatchWriter is implemented by backends that can write several keys in one
// atomic step. Unlike Set, a nil value removes the key; pass []byte{} to
// store an empty one.
type BatchWriter interface {
	SetBatch(ctx context.Context, values map[string][]byte) error
}

type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string][]byte{}}
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = append([]byte{}, value...)
	return nil
}

func (b *MemoryBackend) SetBatch(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, value := range values {
		if value == nil {
			delete(b.entries, key)
			continue
		}
		b.entries[key] = append([]byte(nil), value...)
	}
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *MemoryBackend) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.entries), nil
}

func (b *MemoryBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = map[string][]byte{}
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
