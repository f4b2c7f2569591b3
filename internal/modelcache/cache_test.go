package modelcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/embedd/internal/engine"
)

func newTestCache(t *testing.T, eng engine.Engine, cfg Config) *Cache {
	t.Helper()
	c := New(eng, cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustLease(t *testing.T, c *Cache, name string) *Lease {
	t.Helper()
	lease, _, err := c.GetOrLoad(context.Background(), name)
	if err != nil {
		t.Fatalf("GetOrLoad(%q): %v", name, err)
	}
	return lease
}

func TestGetOrLoadHitMiss(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{})

	lease, hit, err := c.GetOrLoad(context.Background(), "m")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if hit {
		t.Error("first access should be a miss")
	}
	if lease.Dimensions() != 8 {
		t.Errorf("Dimensions: got %d, want 8", lease.Dimensions())
	}
	lease.Release()

	lease2, hit2, err := c.GetOrLoad(context.Background(), "m")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if !hit2 {
		t.Error("second access should be a hit")
	}
	lease2.Release()

	if got := eng.LoadCalls(); got != 1 {
		t.Errorf("LoadCalls: got %d, want 1", got)
	}
}

func TestSingleflight(t *testing.T) {
	eng := engine.NewMockEngine(8)
	eng.SetLoadDelay(50 * time.Millisecond)
	c := newTestCache(t, eng, Config{})

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, _, err := c.GetOrLoad(context.Background(), "shared")
			errs[i] = err
			if err == nil {
				lease.Release()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := eng.LoadCalls(); got != 1 {
		t.Errorf("LoadCalls: got %d, want 1 (singleflight)", got)
	}
}

func TestFailedLoadLeavesNoEntry(t *testing.T) {
	eng := engine.NewMockEngine(8)
	eng.SetLoadDelay(30 * time.Millisecond)
	boom := errors.New("artifact corrupt")
	eng.FailLoads("bad", boom)
	c := newTestCache(t, eng, Config{})

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = c.GetOrLoad(context.Background(), "bad")
		}(i)
	}
	wg.Wait()

	var le *engine.LoadError
	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: expected failure", i)
		}
		if !errors.As(err, &le) || !errors.Is(err, boom) {
			t.Errorf("caller %d: expected LoadError wrapping boom, got %v", i, err)
		}
	}
	if _, ok := c.Info("bad"); ok {
		t.Error("failed load must leave no entry")
	}

	// A later request may retry from scratch.
	eng.FailLoads("bad", nil)
	lease := mustLease(t, c, "bad")
	lease.Release()
}

func TestTimeoutIsolation(t *testing.T) {
	eng := engine.NewMockEngine(8)
	eng.SetLoadDelay(120 * time.Millisecond)
	c := newTestCache(t, eng, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.GetOrLoad(ctx, "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The abandoned load keeps running and populates the cache.
	time.Sleep(200 * time.Millisecond)
	lease, hit, err := c.GetOrLoad(context.Background(), "slow")
	if err != nil {
		t.Fatalf("GetOrLoad after timeout: %v", err)
	}
	if !hit {
		t.Error("expected the completed load to have populated the cache")
	}
	lease.Release()
	if got := eng.LoadCalls(); got != 1 {
		t.Errorf("LoadCalls: got %d, want 1 (no re-load)", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{TTL: time.Minute})

	mustLease(t, c, "a").Release()

	// Not yet expired.
	if evicted := c.SweepOnce(time.Now().Add(30 * time.Second)); len(evicted) != 0 {
		t.Fatalf("unexpected eviction: %v", evicted)
	}
	evicted := c.SweepOnce(time.Now().Add(61 * time.Second))
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected [a] evicted, got %v", evicted)
	}
	if _, ok := c.Info("a"); ok {
		t.Error("entry should be gone after TTL sweep")
	}
}

func TestLRUEviction(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{MaxModels: 2})

	mustLease(t, c, "a").Release()
	time.Sleep(5 * time.Millisecond)
	mustLease(t, c, "b").Release()
	time.Sleep(5 * time.Millisecond)
	mustLease(t, c, "a").Release() // refresh a: b is now least recently used
	time.Sleep(5 * time.Millisecond)
	mustLease(t, c, "c").Release()

	evicted := c.SweepOnce(time.Now())
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected [b] evicted, got %v", evicted)
	}
	for _, name := range []string{"a", "c"} {
		if _, ok := c.Info(name); !ok {
			t.Errorf("expected %q to survive", name)
		}
	}
}

func TestLoadingEntriesNeverEvicted(t *testing.T) {
	eng := engine.NewMockEngine(8)
	eng.SetLoadDelay(80 * time.Millisecond)
	c := newTestCache(t, eng, Config{TTL: time.Nanosecond, MaxModels: 1})

	done := make(chan error, 1)
	go func() {
		lease, _, err := c.GetOrLoad(context.Background(), "m")
		if err == nil {
			lease.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // load is in flight
	if evicted := c.SweepOnce(time.Now().Add(time.Hour)); len(evicted) != 0 {
		t.Fatalf("sweep must not evict loading entries, got %v", evicted)
	}
	if err := <-done; err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if _, ok := c.Info("m"); !ok {
		t.Error("model should be cached after the load completes")
	}
}

func TestEvictionDefersCloseToLastLease(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{TTL: time.Minute})

	lease := mustLease(t, c, "m")
	model := lease.Model().(*engine.MockModel)

	evicted := c.SweepOnce(time.Now().Add(2 * time.Minute))
	if len(evicted) != 1 {
		t.Fatalf("expected eviction, got %v", evicted)
	}
	if model.Closed() {
		t.Fatal("model closed while a lease was outstanding")
	}
	// The leased model must still work.
	if _, err := model.Embed(context.Background(), "text"); err != nil {
		t.Fatalf("embed on leased model after eviction: %v", err)
	}
	lease.Release()
	if !model.Closed() {
		t.Error("model should be closed once the last lease is released")
	}
	lease.Release() // idempotent
}

func TestSweepClosesUnusedHandles(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{TTL: time.Minute})

	lease := mustLease(t, c, "m")
	model := lease.Model().(*engine.MockModel)
	lease.Release()

	c.SweepOnce(time.Now().Add(2 * time.Minute))
	if !model.Closed() {
		t.Error("sweep should close handles with no outstanding lease")
	}
}

func TestLastUsedMonotonic(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{})

	lease := mustLease(t, c, "m")
	first, _ := c.Info("m")
	lease.Touch()
	lease.Release()
	second, _ := c.Info("m")
	if second.LastUsed.Before(first.LastUsed) {
		t.Errorf("lastUsed went backwards: %v -> %v", first.LastUsed, second.LastUsed)
	}

	lease2 := mustLease(t, c, "m")
	third, _ := c.Info("m")
	lease2.Release()
	if third.LastUsed.Before(second.LastUsed) {
		t.Errorf("lastUsed went backwards on access: %v -> %v", second.LastUsed, third.LastUsed)
	}
}

func TestSnapshot(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := newTestCache(t, eng, Config{})

	mustLease(t, c, "b").Release()
	mustLease(t, c, "a").Release()

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size: got %d, want 2", len(snap))
	}
	if snap[0].Name != "a" || snap[1].Name != "b" {
		t.Errorf("snapshot not sorted by name: %v, %v", snap[0].Name, snap[1].Name)
	}
	for _, s := range snap {
		if !s.Ready() {
			t.Errorf("model %q: expected ready", s.Name)
		}
		if s.Dimensions != 8 {
			t.Errorf("model %q: dimensions %d, want 8", s.Name, s.Dimensions)
		}
		if s.LoadedAt.IsZero() || s.LastUsed.IsZero() {
			t.Errorf("model %q: zero timestamps", s.Name)
		}
	}

	if got := c.CachedModels(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("CachedModels: got %v", got)
	}
	if got := c.ReadyCount(); got != 2 {
		t.Errorf("ReadyCount: got %d, want 2", got)
	}
}

func TestCloseRejectsFurtherLoads(t *testing.T) {
	eng := engine.NewMockEngine(8)
	c := New(eng, Config{})

	lease := mustLease(t, c, "m")
	model := lease.Model().(*engine.MockModel)
	lease.Release()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !model.Closed() {
		t.Error("Close should release cached models")
	}
	if _, _, err := c.GetOrLoad(context.Background(), "m"); err == nil {
		t.Error("GetOrLoad after Close should fail")
	}
}

type recordingAudit struct {
	mu    sync.Mutex
	loads []string
}

func (a *recordingAudit) RecordLoad(_ context.Context, model string, _ time.Time, _ time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loads = append(a.loads, model)
	return nil
}

func TestAuditRecordsLoads(t *testing.T) {
	eng := engine.NewMockEngine(8)
	audit := &recordingAudit{}
	c := New(eng, Config{}, WithAudit(audit))
	defer c.Close()

	mustLease(t, c, "m").Release()
	mustLease(t, c, "m").Release() // hit: no second audit record

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.loads) != 1 || audit.loads[0] != "m" {
		t.Errorf("audit loads: got %v, want [m]", audit.loads)
	}
}
