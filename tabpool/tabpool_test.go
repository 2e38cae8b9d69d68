package tabpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
)

// fakeOps fabricates tabs without a browser.
type fakeOps struct {
	mu       sync.Mutex
	seq      int
	created  []string
	closed   []string
	resets   []string
	failNext bool // next Reset returns an error
}

func (f *fakeOps) Create(ctx context.Context) (*cdp.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("T%d", f.seq)
	f.created = append(f.created, id)
	t := &cdp.Tab{ID: id}
	t.Touch()
	return t, nil
}

func (f *fakeOps) Reset(ctx context.Context, t *cdp.Tab) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, t.ID)
	if f.failNext {
		f.failNext = false
		return errors.New("renderer gone")
	}
	return nil
}

func (f *fakeOps) Close(t *cdp.Tab) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, t.ID)
	return nil
}

func (f *fakeOps) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func newTestPool(t *testing.T, ops Ops, opts Options) *Pool {
	t.Helper()
	p := New(ops, opts)
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireCreatesWhenEmpty(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 3})

	tab, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	st := p.Stats()
	if st.InUse != 1 || st.Created != 1 {
		t.Fatalf("stats = %+v, want 1 in use, 1 created", st)
	}
	p.Release(context.Background(), tab)
	if got := p.Stats().Idle; got != 1 {
		t.Fatalf("idle after release = %d, want 1", got)
	}
}

func TestAcquirePrefersMostRecentlyReleased(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 5})
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	p.Release(ctx, a)
	p.Release(ctx, b) // b released last, so b is MRU

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != b.ID {
		t.Fatalf("acquired %s, want MRU tab %s", got.ID, b.ID)
	}
}

func TestReleaseClosesOnResetFailure(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 5})
	ctx := context.Background()

	tab, _ := p.Acquire(ctx)
	ops.mu.Lock()
	ops.failNext = true
	ops.mu.Unlock()
	p.Release(ctx, tab)

	st := p.Stats()
	if st.Idle != 0 {
		t.Fatalf("tab with failed reset was shelved: %+v", st)
	}
	closed := ops.closedIDs()
	if len(closed) != 1 || closed[0] != tab.ID {
		t.Fatalf("closed = %v, want [%s]", closed, tab.ID)
	}
}

func TestSuspectTabNotReused(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 5})
	ctx := context.Background()

	tab, _ := p.Acquire(ctx)
	p.Release(ctx, tab)
	tab.MarkSuspect()

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID == tab.ID {
		t.Fatal("suspect tab handed back out")
	}
	for _, id := range ops.closedIDs() {
		if id == tab.ID {
			return
		}
	}
	t.Fatalf("suspect tab %s not closed, closed = %v", tab.ID, ops.closedIDs())
}

func TestAcquireAtCapacity(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 2})
	ctx := context.Background()

	if _, err := p.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := p.Acquire(ctx)
	if !cerr.Is(err, cerr.KindTabNotFound) {
		t.Fatalf("err = %v, want kind %q", err, cerr.KindTabNotFound)
	}
}

func TestStartPreWarms(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 2, MaxTabs: 5})
	p.Start(context.Background())

	if got := p.Stats().Idle; got != 2 {
		t.Fatalf("idle after Start = %d, want 2", got)
	}
}

func TestReapRespectsMinIdle(t *testing.T) {
	ops := &fakeOps{}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 5, IdleTTL: time.Millisecond})
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	c, _ := p.Acquire(ctx)
	p.Release(ctx, a)
	p.Release(ctx, b)
	p.Release(ctx, c)

	time.Sleep(5 * time.Millisecond)
	p.reap()

	if got := p.Stats().Idle; got != 1 {
		t.Fatalf("idle after reap = %d, want MinIdle=1", got)
	}
	if got := len(ops.closedIDs()); got != 2 {
		t.Fatalf("closed %d tabs, want 2", got)
	}
}

func TestShutdownClosesIdle(t *testing.T) {
	ops := &fakeOps{}
	p := New(ops, Options{MinIdle: 2, MaxTabs: 5})
	p.Start(context.Background())
	p.Shutdown()

	if got := p.Stats().Idle; got != 0 {
		t.Fatalf("idle after shutdown = %d", got)
	}
	if got := len(ops.closedIDs()); got != 2 {
		t.Fatalf("closed %d, want 2", got)
	}
}

// slowCreateOps delays Create so acquire timing is measurable.
type slowCreateOps struct {
	fakeOps
	delay time.Duration
}

func (s *slowCreateOps) Create(ctx context.Context) (*cdp.Tab, error) {
	time.Sleep(s.delay)
	return s.fakeOps.Create(ctx)
}

func TestStatsTracksAcquireTime(t *testing.T) {
	ops := &slowCreateOps{delay: 20 * time.Millisecond}
	p := newTestPool(t, ops, Options{MinIdle: 1, MaxTabs: 3})

	if got := p.Stats().AvgAcquireMs; got != 0 {
		t.Fatalf("avg before any acquire = %v, want 0", got)
	}

	// First acquire pays for a cold create.
	tab, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cold := p.Stats().AvgAcquireMs
	if cold < 15 {
		t.Fatalf("cold acquire averaged %.2fms, create took %v", cold, ops.delay)
	}

	// A warm reuse is near-instant and must pull the average down.
	p.Release(context.Background(), tab)
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("warm Acquire: %v", err)
	}
	st := p.Stats()
	if st.Reused != 1 {
		t.Fatalf("stats = %+v, want 1 reused", st)
	}
	if st.AvgAcquireMs >= cold {
		t.Fatalf("avg did not drop after warm reuse: %.2fms -> %.2fms", cold, st.AvgAcquireMs)
	}
}
