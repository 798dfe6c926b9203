package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := newMiniredisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestTracker_ObserveRetryAfter(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tracker := NewTracker(store, testLogger())
			now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			tracker.now = func() time.Time { return now }

			h := http.Header{}
			h.Set("Retry-After", "5")
			if err := tracker.Observe(ctx, "acme", http.StatusTooManyRequests, h); err != nil {
				t.Fatalf("Observe() error = %v", err)
			}

			st, err := tracker.State(ctx, "acme")
			if err != nil {
				t.Fatalf("State() error = %v", err)
			}
			if st == nil {
				t.Fatal("State() = nil after 429")
			}
			if st.Hits != 1 {
				t.Errorf("Hits = %d, want 1", st.Hits)
			}
			if got := st.Remaining(now); got != 5*time.Second {
				t.Errorf("Remaining = %v, want 5s", got)
			}

			other, err := tracker.State(ctx, "other")
			if err != nil || other != nil {
				t.Errorf("other tenant state = %v, %v; want nil", other, err)
			}
		})
	}
}

func TestTracker_ObserveExponential(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	tracker.SetDelays(100*time.Millisecond, time.Second)

	for i := 0; i < 3; i++ {
		if err := tracker.Observe(ctx, "acme", http.StatusTooManyRequests, http.Header{}); err != nil {
			t.Fatal(err)
		}
	}

	st, _ := tracker.State(ctx, "acme")
	if st.Hits != 3 {
		t.Errorf("Hits = %d, want 3", st.Hits)
	}
	if got := st.Remaining(now); got != 400*time.Millisecond {
		t.Errorf("Remaining = %v, want 400ms", got)
	}
}

func TestTracker_StaleEpisodeResetsHits(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	tracker.SetDelays(100*time.Millisecond, time.Second)

	for i := 0; i < 3; i++ {
		if err := tracker.Observe(ctx, "acme", http.StatusTooManyRequests, http.Header{}); err != nil {
			t.Fatal(err)
		}
	}

	// No success was observed in between, so the old state is still stored.
	now = now.Add(time.Minute)
	if err := tracker.Observe(ctx, "acme", http.StatusTooManyRequests, http.Header{}); err != nil {
		t.Fatal(err)
	}

	st, _ := tracker.State(ctx, "acme")
	if st.Hits != 1 {
		t.Errorf("Hits = %d, want 1", st.Hits)
	}
	if got := st.Remaining(now); got != 100*time.Millisecond {
		t.Errorf("Remaining = %v, want 100ms", got)
	}
}

func TestTracker_SuccessClearsAfterWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tracker := NewTracker(store, testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	h := http.Header{}
	h.Set("Retry-After", "2")
	if err := tracker.Observe(ctx, "acme", http.StatusTooManyRequests, h); err != nil {
		t.Fatal(err)
	}

	// Still inside the window: success does not clear.
	if err := tracker.Observe(ctx, "acme", http.StatusOK, nil); err != nil {
		t.Fatal(err)
	}
	if st, _ := tracker.State(ctx, "acme"); st == nil {
		t.Fatal("state cleared inside window")
	}

	now = now.Add(3 * time.Second)
	if err := tracker.Observe(ctx, "acme", http.StatusOK, nil); err != nil {
		t.Fatal(err)
	}
	if st, _ := tracker.State(ctx, "acme"); st != nil {
		t.Errorf("state = %+v after recovery, want nil", st)
	}
}

func TestTracker_OtherStatusesIgnored(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), testLogger())
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusUnauthorized} {
		if err := tracker.Observe(ctx, "acme", status, nil); err != nil {
			t.Errorf("Observe(%d) error = %v", status, err)
		}
	}
	if st, _ := tracker.State(ctx, "acme"); st != nil {
		t.Errorf("state = %+v, want nil", st)
	}
}

func TestTracker_Wait(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), testLogger())

	// No state: returns immediately.
	if err := tracker.Wait(ctx, "acme"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	tracker.SetDelays(50*time.Millisecond, 50*time.Millisecond)
	if err := tracker.Observe(ctx, "acme", http.StatusTooManyRequests, http.Header{}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tracker.Wait(ctx, "acme"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Wait() returned after %v, want about 50ms", elapsed)
	}
}

func TestTracker_WaitCancelled(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), testLogger())
	h := http.Header{}
	h.Set("Retry-After", "60")
	if err := tracker.Observe(context.Background(), "acme", http.StatusTooManyRequests, h); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tracker.Wait(ctx, "acme")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestRedisStore_KeysExpire(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	st := &BackoffState{
		Tenant:     "acme",
		Until:      time.Now().Add(time.Second),
		Hits:       2,
		LastUpdate: time.Now(),
	}
	if err := store.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !mr.Exists(RedisKeyPrefix + "acme:until") {
		t.Fatal("until key not written")
	}

	got, err := store.Load(ctx, "acme")
	if err != nil || got == nil {
		t.Fatalf("Load() = %v, %v", got, err)
	}
	if got.Hits != 2 || got.Until.UnixMilli() != st.Until.UnixMilli() {
		t.Errorf("Load() = %+v, want hits 2 until %v", got, st.Until)
	}

	mr.FastForward(2 * time.Minute)
	got, err = store.Load(ctx, "acme")
	if err != nil || got != nil {
		t.Errorf("Load() after expiry = %v, %v; want nil", got, err)
	}
}

func TestRedisStore_Clear(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &BackoffState{Tenant: "acme", Until: time.Now(), Hits: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(ctx, "acme"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("keys after Clear = %v", mr.Keys())
	}
}
