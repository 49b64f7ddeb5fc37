// Package kv provides the string key-value storage used for chat history and
// cached operator flags.
package kv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store is a string key-value store. Get reports a missing key with ok=false.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver        string // memory | badger | redis
	Path          string
	RedisAddr     string
	RedisPassword string
	Prefix        string
}

// Open builds the backend named by opts.Driver. Badger is the default.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "badger":
		return NewBadgerStore(opts.Path)
	case "redis":
		return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.Prefix)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown kv driver %q", opts.Driver)
	}
}

// MemoryStore keeps values in-process (single instance only).
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryValue
}

type memoryValue struct {
	value   string
	expires time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]memoryValue)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !v.expires.IsZero() && time.Now().After(v.expires) {
		s.mu.Lock()
		delete(s.values, key)
		s.mu.Unlock()
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expires = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
