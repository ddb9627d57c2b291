// Package syncutil provides per-key mutual exclusion for in-process stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes callers that share a key while letting other keys
// proceed. Keys hash onto a fixed pool of channel-based locks, so memory is
// bounded; unrelated keys occasionally share a shard.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key, giving up when ctx is done.
// On success the returned func must be called exactly once to release.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SameShard reports whether two keys contend for the same lock.
func (m *KeyedMutex) SameShard(a, b string) bool {
	return shardIndex(a) == shardIndex(b)
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
