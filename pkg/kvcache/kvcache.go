// Package kvcache is the fast-path key/value layer with a fixed TTL per
// entry. Writing a key restarts its TTL.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
)

type Cache interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get reports ok=false for a missing or lapsed key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// NATSCache stores entries in a JetStream KV bucket whose MaxAge is the
// TTL, so the server drops keys that are not rewritten in time.
type NATSCache struct {
	kv jetstream.KeyValue
}

// NewNATSCache creates or updates the bucket with the given TTL.
func NewNATSCache(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSCache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}
	return &NATSCache{kv: kv}, nil
}

func (c *NATSCache) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

func (c *NATSCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (c *NATSCache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a process-local Cache whose expiry follows the injected
// clock.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]memEntry
	err     error
}

func NewMemoryCache(ttl time.Duration, clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryCache{ttl: ttl, clock: clk, entries: make(map[string]memEntry)}
}

func (c *MemoryCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key] = memEntry{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if clock.Expired(e.expiresAt, c.clock.Now()) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.entries, key)
	return nil
}

// SetErr makes every following call fail with err until reset with nil.
func (c *MemoryCache) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
