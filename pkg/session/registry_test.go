package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

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

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }

type plainCloser struct{ closed bool }

func (p *plainCloser) Close() error {
	p.closed = true
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(WithClock(clk.Now), WithCloseTimeout(200*time.Millisecond)), clk
}

func TestGetUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Add("a", "handle-a")

	got, ok := r.Get("missing")
	if ok || got != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, false", got, ok)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestAddThenGet(t *testing.T) {
	r, clk := newTestRegistry(t)
	h := &plainCloser{}
	r.Add("s1", h)

	clk.Advance(10 * time.Minute)
	got, ok := r.Get("s1")
	if !ok {
		t.Fatal("Get(s1) not found")
	}
	if got != h {
		t.Errorf("Get returned %v, want the registered handle", got)
	}
	last, _ := r.LastActivity("s1")
	if !last.Equal(clk.Now()) {
		t.Errorf("last activity = %v, want %v", last, clk.Now())
	}
}

func TestAddOverwrites(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Add("s1", "old")
	r.Add("s1", "new")

	got, _ := r.Get("s1")
	if got != "new" {
		t.Errorf("Get = %v, want new", got)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := &plainCloser{}
	r.Add("s1", h)

	r.Remove("s1")
	r.Remove("s1")
	r.Remove("never-added")

	if r.Exists("s1") {
		t.Error("s1 still registered after Remove")
	}
	if h.closed {
		t.Error("Remove must not close the handle")
	}
}

func TestIDsSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Add("b", nil)
	r.Add("a", nil)

	ids := r.IDs()
	r.Add("c", nil)

	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs = %v, want [a b]", ids)
	}
}

func TestCleanup(t *testing.T) {
	t.Run("ZeroMaxAgeRemovesAll", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		r.Add("a", nil)
		r.Add("b", nil)
		if n := r.Cleanup(0); n != 2 {
			t.Errorf("Cleanup(0) = %d, want 2", n)
		}
		if r.Count() != 0 {
			t.Errorf("Count = %d, want 0", r.Count())
		}
	})

	t.Run("OnlyIdleRemoved", func(t *testing.T) {
		r, clk := newTestRegistry(t)
		r.Add("idle", nil)
		r.Add("active", nil)

		clk.Advance(45 * time.Minute)
		r.Get("active")
		clk.Advance(30 * time.Minute)

		if n := r.Cleanup(DefaultMaxAge); n != 1 {
			t.Fatalf("Cleanup = %d, want 1", n)
		}
		if r.Exists("idle") || !r.Exists("active") {
			t.Errorf("remaining = %v, want [active]", r.IDs())
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		r, clk := newTestRegistry(t)
		r.Add("a", nil)
		r.Add("b", nil)
		clk.Advance(2 * time.Hour)
		r.Add("c", nil)

		if n := r.Cleanup(time.Hour); n != 2 {
			t.Errorf("first Cleanup = %d, want 2", n)
		}
		if n := r.Cleanup(time.Hour); n != 0 {
			t.Errorf("second Cleanup = %d, want 0", n)
		}
	})
}

func TestCloseAllIsolatesFailures(t *testing.T) {
	r, _ := newTestRegistry(t)

	var mu sync.Mutex
	closed := map[string]bool{}
	ok := func(id string) closerFunc {
		return func(context.Context) error {
			mu.Lock()
			closed[id] = true
			mu.Unlock()
			return nil
		}
	}
	r.Add("s1", ok("s1"))
	r.Add("s2", closerFunc(func(context.Context) error { return errors.New("broken pipe") }))
	r.Add("s3", ok("s3"))

	report := r.CloseAll(context.Background())

	if report.Closed != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, want 2 closed 1 failed", report)
	}
	if _, ok := report.Errors["s2"]; !ok {
		t.Errorf("errors = %v, want entry for s2", report.Errors)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after CloseAll", r.Count())
	}
	if !closed["s1"] || !closed["s3"] {
		t.Errorf("closed = %v, want s1 and s3", closed)
	}
}

func TestCloseAllTimeoutsAndPanics(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Add("hang", closerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return nil
	}))
	r.Add("panic", closerFunc(func(context.Context) error { panic("boom") }))
	r.Add("plain", &plainCloser{})
	r.Add("bare", "no close op")

	start := time.Now()
	report := r.CloseAll(context.Background())
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("CloseAll took %v, want bounded by close timeout", elapsed)
	}
	if report.Failed != 2 || report.Closed != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v, want 2 failed 1 closed 1 skipped", report)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestCloseAllKeepsSessionsAddedDuringDrain(t *testing.T) {
	r, _ := newTestRegistry(t)
	fresh := &plainCloser{}
	r.Add("old", closerFunc(func(context.Context) error {
		r.Add("new", fresh)
		r.Add("old", "reconnected")
		return nil
	}))
	r.Add("gone", &plainCloser{})

	report := r.CloseAll(context.Background())
	if report.Closed != 2 {
		t.Errorf("report = %+v, want 2 closed", report)
	}
	if !r.Exists("new") || !r.Exists("old") || r.Exists("gone") {
		t.Errorf("ids after drain = %v, want [new old]", r.IDs())
	}
	if h, _ := r.Get("old"); h != "reconnected" {
		t.Errorf("old handle = %v, want the re-added one", h)
	}
	if fresh.closed {
		t.Error("handle added during the drain was closed")
	}
}

func TestEvict(t *testing.T) {
	r, _ := newTestRegistry(t)
	plain := &plainCloser{}
	r.Add("io", plain)
	r.Add("broken", closerFunc(func(context.Context) error { return errors.New("reset by peer") }))
	r.Add("bare", 7)

	found, err := r.Evict(context.Background(), "io")
	if !found || err != nil || !plain.closed {
		t.Errorf("Evict(io) = %v, %v; closed=%v", found, err, plain.closed)
	}
	found, err = r.Evict(context.Background(), "broken")
	if !found || err == nil {
		t.Errorf("Evict(broken) = %v, %v; want close error", found, err)
	}
	if found, err := r.Evict(context.Background(), "bare"); !found || err != nil {
		t.Errorf("Evict(bare) = %v, %v", found, err)
	}
	if found, _ := r.Evict(context.Background(), "missing"); found {
		t.Error("Evict(missing) reported found")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := string(rune('a' + (i+j)%16))
				r.Add(id, j)
				r.Get(id)
				r.Exists(id)
				if j%7 == 0 {
					r.Remove(id)
				}
				if j%50 == 0 {
					r.Cleanup(time.Hour)
				}
			}
		}(i)
	}
	wg.Wait()
	if r.Count() > 16 {
		t.Errorf("Count = %d, want at most 16", r.Count())
	}
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.Add("a", nil)
	clk.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunJanitor(ctx, 10*time.Millisecond, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after janitor run", r.Count())
	}
}
