package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock shared by the store and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStateStore(t *testing.T) (*StateStore, *fakeClock) {
	t.Helper()
	_, rdb := newTestRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewStateStore(rdb, WithStateClock(clock.Now)), clock
}

// --- Create + Consume ---

func TestStateCreateAndConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trip returns payload once", func(t *testing.T) {
		ss, _ := newTestStateStore(t)

		token, err := ss.Create(ctx, []byte(`{"origin":"/a"}`), 3*time.Minute)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if len(token) != 43 {
			t.Errorf("token length: expected 43, got %d", len(token))
		}

		got, err := ss.Consume(ctx, token)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if string(got) != `{"origin":"/a"}` {
			t.Errorf("payload: expected %s, got %s", `{"origin":"/a"}`, got)
		}

		// Second consume must fail
		if _, err := ss.Consume(ctx, token); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("second Consume: expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("non-JSON payload round-trips byte for byte", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		payloads := [][]byte{
			[]byte("/dashboard"),
			{0x00, 0xff, 0x10, '"', '\\'},
		}
		for _, want := range payloads {
			token, err := ss.Create(ctx, want, time.Minute)
			if err != nil {
				t.Fatalf("Create(%q) failed: %v", want, err)
			}
			got, err := ss.Consume(ctx, token)
			if err != nil {
				t.Fatalf("Consume failed: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("payload: expected %q, got %q", want, got)
			}
		}
	})

	t.Run("tokens are unique", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		seen := make(map[string]bool)
		for range 50 {
			token, err := ss.Create(ctx, nil, time.Minute)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if seen[token] {
				t.Fatalf("duplicate token %q", token)
			}
			seen[token] = true
		}
	})

	t.Run("unknown token is not found", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		if _, err := ss.Consume(ctx, "never-issued"); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("empty token is not found", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		if _, err := ss.Consume(ctx, ""); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		if _, err := ss.Create(ctx, nil, 0); err == nil {
			t.Error("expected error for zero ttl, got nil")
		}
	})

	t.Run("expired record is rejected and removed", func(t *testing.T) {
		ss, clock := newTestStateStore(t)
		token, err := ss.Create(ctx, []byte(`1`), time.Minute)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		// Past TTL on the app clock, Redis TTL not yet elapsed
		clock.Advance(time.Minute + time.Second)
		if _, err := ss.Consume(ctx, token); !errors.Is(err, ErrStateExpired) {
			t.Errorf("expected ErrStateExpired, got %v", err)
		}
		if _, err := ss.Consume(ctx, token); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("after expiry: expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("record exactly at expiry is still valid", func(t *testing.T) {
		ss, clock := newTestStateStore(t)
		token, _ := ss.Create(ctx, []byte(`1`), time.Minute)
		clock.Advance(time.Minute)
		if _, err := ss.Consume(ctx, token); err != nil {
			t.Errorf("expected success at exact expiry, got %v", err)
		}
	})
}

// --- Concurrency ---

func TestStateConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	ss, _ := newTestStateStore(t)

	token, err := ss.Create(ctx, []byte(`"x"`), time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ss.Consume(ctx, token); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners: expected exactly 1, got %d", wins)
	}
}

// --- GarbageCollect ---

func TestStateGarbageCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("evicts only expired records", func(t *testing.T) {
		ss, clock := newTestStateStore(t)

		short, _ := ss.Create(ctx, []byte(`"short"`), time.Minute)
		long, _ := ss.Create(ctx, []byte(`"long"`), time.Hour)

		clock.Advance(2 * time.Minute)
		n, err := ss.GarbageCollect(ctx)
		if err != nil {
			t.Fatalf("GarbageCollect failed: %v", err)
		}
		if n != 1 {
			t.Errorf("evicted: expected 1, got %d", n)
		}

		if _, err := ss.Consume(ctx, short); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("short: expected ErrStateNotFound after GC, got %v", err)
		}
		got, err := ss.Consume(ctx, long)
		if err != nil {
			t.Fatalf("long: Consume after GC failed: %v", err)
		}
		if string(got) != `"long"` {
			t.Errorf("long payload: expected %q, got %q", `"long"`, got)
		}
	})

	t.Run("no-op on empty store", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		n, err := ss.GarbageCollect(ctx)
		if err != nil {
			t.Fatalf("GarbageCollect failed: %v", err)
		}
		if n != 0 {
			t.Errorf("evicted: expected 0, got %d", n)
		}
	})

	t.Run("consume clears index entry", func(t *testing.T) {
		ss, _ := newTestStateStore(t)
		token, _ := ss.Create(ctx, nil, time.Minute)
		if _, err := ss.Consume(ctx, token); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		pending, err := ss.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending failed: %v", err)
		}
		if pending != 0 {
			t.Errorf("pending: expected 0, got %d", pending)
		}
	})

	t.Run("handles more than one batch", func(t *testing.T) {
		ss, clock := newTestStateStore(t)
		for range gcBatchSize + 5 {
			if _, err := ss.Create(ctx, nil, time.Second); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
		clock.Advance(time.Minute)
		n, err := ss.GarbageCollect(ctx)
		if err != nil {
			t.Fatalf("GarbageCollect failed: %v", err)
		}
		if n != gcBatchSize+5 {
			t.Errorf("evicted: expected %d, got %d", gcBatchSize+5, n)
		}
	})
}
