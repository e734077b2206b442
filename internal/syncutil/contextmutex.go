// Package syncutil holds in-process locks keyed by aggregate id.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes addressed by
// string key. Waiters can give up when their context is cancelled. Memory is
// bounded regardless of how many keys are seen; unrelated keys that hash to
// the same shard occasionally wait on each other.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a ready-to-use mutex pool.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. On success the caller must call the
// returned unlock func exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.LockKeys(ctx, key)
}

// LockKeys acquires the locks for every key. Shards are taken in ascending
// index order, so two callers locking overlapping key sets cannot deadlock.
// If ctx is cancelled midway, shards already taken are released.
func (m *ContextShardedMutex) LockKeys(ctx context.Context, keys ...string) (func(), error) {
	m.init()
	idx := m.shardSet(keys)

	held := make([]uint32, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.shards[held[i]] <- struct{}{}
		}
	}

	for _, i := range idx {
		if err := ctx.Err(); err != nil {
			release()
			return nil, err
		}
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *ContextShardedMutex) shardSet(keys []string) []uint32 {
	seen := make(map[uint32]struct{}, len(keys))
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		i := shardIdx(k)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	return idx
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
