package sip

import (
	"strconv"
	"sync"
	"testing"
)

func TestShardedMap_StoreAndLoad(t *testing.T) {
	sm := NewShardedMap[string](16)

	sm.Store("key1", "value1")
	sm.Store("key2", "value2")

	value1, ok := sm.Load("key1")
	if !ok || value1 != "value1" {
		t.Errorf("Expected value1, got %v, ok=%v", value1, ok)
	}

	value2, ok := sm.Load("key2")
	if !ok || value2 != "value2" {
		t.Errorf("Expected value2, got %v, ok=%v", value2, ok)
	}

	value3, ok := sm.Load("key3")
	if ok || value3 != "" {
		t.Errorf("Expected zero value and false for non-existent key, got %v, ok=%v", value3, ok)
	}
}

func TestShardedMap_Delete(t *testing.T) {
	sm := NewShardedMap[int](16)

	sm.Store("key1", 1)
	sm.Store("key2", 2)
	sm.Delete("key1")

	if _, ok := sm.Load("key1"); ok {
		t.Error("Expected key1 to be deleted")
	}
	if v, ok := sm.Load("key2"); !ok || v != 2 {
		t.Errorf("Expected 2, got %v, ok=%v", v, ok)
	}
}

func TestShardedMap_LoadAndDelete(t *testing.T) {
	sm := NewShardedMap[chan struct{}](4)
	ch := make(chan struct{})
	sm.Store("call-1:1", ch)

	got, ok := sm.LoadAndDelete("call-1:1")
	if !ok || got != ch {
		t.Fatalf("Expected stored channel, got ok=%v", ok)
	}
	if _, ok := sm.LoadAndDelete("call-1:1"); ok {
		t.Error("Expected second LoadAndDelete to miss")
	}
}

func TestShardedMap_Range(t *testing.T) {
	sm := NewShardedMap[string](16)

	expected := map[string]string{
		"key1": "value1",
		"key2": "value2",
		"key3": "value3",
	}
	for k, v := range expected {
		sm.Store(k, v)
	}

	items := make(map[string]string)
	sm.Range(func(key, value string) bool {
		items[key] = value
		return true
	})

	if len(items) != len(expected) {
		t.Errorf("Expected %d items, got %d", len(expected), len(items))
	}
	for k, v := range expected {
		if items[k] != v {
			t.Errorf("Expected %s for key %s, got %s", v, k, items[k])
		}
	}

	visited := 0
	sm.Range(func(key, value string) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("Expected Range to stop after 1 item, visited %d", visited)
	}
}

func TestShardedMap_InvalidShardCount(t *testing.T) {
	sm := NewShardedMap[int](3)
	if len(sm.shards) != 16 {
		t.Errorf("Expected 16 shards for invalid count, got %d", len(sm.shards))
	}
}

func TestShardedMap_Concurrent(t *testing.T) {
	sm := NewShardedMap[int](32)

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := strconv.Itoa(w) + ":" + strconv.Itoa(i)
				sm.Store(key, i)
				if v, ok := sm.Load(key); !ok || v != i {
					t.Errorf("Expected %d for %s, got %d", i, key, v)
				}
			}
		}(w)
	}
	wg.Wait()

	if count := sm.Count(); count != workers*perWorker {
		t.Errorf("Expected %d items, got %d", workers*perWorker, count)
	}
}
