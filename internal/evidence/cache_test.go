package evidence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testKey() Key {
	return Key{Address: "0xdead", Network: "ethereum", ProbeType: "liquidity"}
}

func newTestCache(ttl time.Duration) *Cache {
	c := NewCache(map[string]time.Duration{"liquidity": ttl})
	return c
}

func TestGetMissOnEmptyCache(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	if _, ok := c.Get(testKey()); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestPutThenGet(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	want := Evidence{Subscore: 80, Confidence: 0.9, SourceProvider: "goplus", FetchedAt: time.Now()}
	c.Put(testKey(), want)

	got, ok := c.Get(testKey())
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Subscore != want.Subscore || got.SourceProvider != want.SourceProvider {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	// Control the clock
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put(testKey(), Evidence{Subscore: 50})

	if _, ok := c.Get(testKey()); !ok {
		t.Fatal("expected hit before expiry")
	}

	// Advance past the 1-minute TTL
	c.now = func() time.Time { return base.Add(61 * time.Second) }

	if _, ok := c.Get(testKey()); ok {
		t.Error("expected miss after TTL elapsed")
	}
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	c := NewCache(nil)
	defer c.Stop()

	k1 := Key{Address: "0xaaa", Network: "ethereum", ProbeType: "sanctions"}
	k2 := Key{Address: "0xaaa", Network: "base", ProbeType: "sanctions"}
	k3 := Key{Address: "0xaaa", Network: "ethereum", ProbeType: "contract"}

	c.Put(k1, Evidence{Subscore: 1})
	c.Put(k2, Evidence{Subscore: 2})
	c.Put(k3, Evidence{Subscore: 3})

	for i, k := range []Key{k1, k2, k3} {
		got, ok := c.Get(k)
		if !ok || got.Subscore != float64(i+1) {
			t.Errorf("key %v: got %+v ok=%v", k, got, ok)
		}
	}
}

func TestGetOrFetchCachesSuccess(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	calls := 0
	fetch := func(ctx context.Context) (Evidence, error) {
		calls++
		return Evidence{Subscore: 70, FetchedAt: time.Now()}, nil
	}

	ev, cached, err := c.GetOrFetch(context.Background(), testKey(), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("first fetch should not be a cache hit")
	}
	if ev.Subscore != 70 {
		t.Errorf("got subscore %f", ev.Subscore)
	}

	_, cached, err = c.GetOrFetch(context.Background(), testKey(), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Error("second call should hit the cache")
	}
	if calls != 1 {
		t.Errorf("expected 1 provider call, got %d", calls)
	}
}

func TestGetOrFetchNeverCachesFailure(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	wantErr := errors.New("provider down")
	_, _, err := c.GetOrFetch(context.Background(), testKey(), func(ctx context.Context) (Evidence, error) {
		return Evidence{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected provider error, got %v", err)
	}

	// Failure must not poison the cache: the next fetch runs and succeeds.
	ev, cached, err := c.GetOrFetch(context.Background(), testKey(), func(ctx context.Context) (Evidence, error) {
		return Evidence{Subscore: 42}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("should not be cached after a failed fetch")
	}
	if ev.Subscore != 42 {
		t.Errorf("got %f", ev.Subscore)
	}
}

func TestSingleflightCollapsesConcurrentFetches(t *testing.T) {
	c := newTestCache(time.Minute)
	defer c.Stop()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (Evidence, error) {
		calls.Add(1)
		<-release
		return Evidence{Subscore: 99}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]Evidence, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrFetch(context.Background(), testKey(), fetch)
		}(i)
	}

	// Give the goroutines time to pile onto the flight, then release the fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 in-flight fetch, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Subscore != 99 {
			t.Errorf("caller %d got subscore %f", i, results[i].Subscore)
		}
	}
}

func TestFreshnessSec(t *testing.T) {
	fetched := time.Now().Add(-90 * time.Second)
	ev := Evidence{FetchedAt: fetched}

	if got := ev.FreshnessSec(time.Now()); got < 89 || got > 91 {
		t.Errorf("expected ~90s freshness, got %d", got)
	}

	// Zero FetchedAt never reports negative age
	if got := (Evidence{}).FreshnessSec(time.Now()); got != 0 {
		t.Errorf("expected 0 for zero time, got %d", got)
	}
}
