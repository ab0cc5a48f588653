// Package syncutil provides per-key locking for escrow and thread writes.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultShards is the pool size used when NewKeyLocks is given n <= 0.
const DefaultShards = 256

// KeyLocks serializes work per key over a fixed pool of channel-based
// shards, so memory stays bounded however many escrows are seen. Keys that
// hash to the same shard also serialize. Waiting honours ctx.
type KeyLocks struct {
	shards []chan struct{}
}

// NewKeyLocks creates a pool of n shards.
func NewKeyLocks(n int) *KeyLocks {
	if n <= 0 {
		n = DefaultShards
	}
	l := &KeyLocks{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock acquires key and returns its release func, or ctx's error if ctx
// ends first. The release func must be called exactly once.
func (l *KeyLocks) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shard(key)
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free.
func (l *KeyLocks) TryLock(key string) (func(), bool) {
	shard := l.shard(key)
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, true
	default:
		return nil, false
	}
}

func (l *KeyLocks) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Key joins parts into a lock key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
