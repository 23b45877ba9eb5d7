package sip

import (
	"hash/fnv"
	"sync"
)

// ShardedMap is a string keyed map split into shards to reduce lock
// contention between transactions of unrelated dialogs.
type ShardedMap[V any] struct {
	shards    []*mapShard[V]
	shardMask uint32
}

type mapShard[V any] struct {
	items map[string]V
	mu    sync.RWMutex
}

// NewShardedMap creates a sharded map. shardCount must be a power of two,
// otherwise 16 shards are used.
func NewShardedMap[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = 16
	}

	sm := &ShardedMap[V]{
		shards:    make([]*mapShard[V], shardCount),
		shardMask: uint32(shardCount - 1),
	}
	for i := 0; i < shardCount; i++ {
		sm.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return sm
}

func (sm *ShardedMap[V]) getShard(key string) *mapShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sm.shards[h.Sum32()&sm.shardMask]
}

// Store adds or updates a key
func (sm *ShardedMap[V]) Store(key string, value V) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.items[key] = value
}

// Load retrieves the value of key
func (sm *ShardedMap[V]) Load(key string) (value V, ok bool) {
	shard := sm.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	value, ok = shard.items[key]
	return
}

// LoadAndDelete removes key and returns its previous value
func (sm *ShardedMap[V]) LoadAndDelete(key string) (value V, ok bool) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	value, ok = shard.items[key]
	if ok {
		delete(shard.items, key)
	}
	return
}

// Delete removes key
func (sm *ShardedMap[V]) Delete(key string) {
	shard := sm.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.items, key)
}

// Range calls f for each entry until f returns false. f must not modify the map.
func (sm *ShardedMap[V]) Range(f func(key string, value V) bool) {
	for _, shard := range sm.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			if !f(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Count returns the number of entries across all shards
func (sm *ShardedMap[V]) Count() int {
	count := 0
	for _, shard := range sm.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
