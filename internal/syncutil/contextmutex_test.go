package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockContextBasic(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "idem_abc")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	unlock()

	// Re-acquire after unlock
	unlock, err = m.LockContext(context.Background(), "idem_abc")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestLockContextCancellation(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "key1")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "key1")
	if err == nil {
		t.Fatal("expected context error while lock held")
	}

	unlock()
}

func TestLockContextSerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()

	var mu sync.Mutex
	active := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "shared")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("expected at most 1 holder for same key, saw %d", peak)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := NewContextShardedMutex()

	unlock1, err := m.LockContext(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock1()

	// "b" hashes to a different shard with overwhelming probability; if it
	// collides, the timeout below catches a real deadlock rather than hanging.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlock2, err := m.LockContext(ctx, "b")
	if err != nil {
		t.Skip("shard collision between test keys")
	}
	unlock2()
}
