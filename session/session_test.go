package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
	"github.com/hazyhaar/openchrome/queue"
	"github.com/hazyhaar/openchrome/refs"
	"github.com/hazyhaar/openchrome/tabpool"
)

type fakeTabOps struct {
	mu  sync.Mutex
	seq int
}

func (f *fakeTabOps) Create(ctx context.Context) (*cdp.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &cdp.Tab{ID: fmt.Sprintf("T%d", f.seq)}
	t.Touch()
	return t, nil
}

func (f *fakeTabOps) Reset(ctx context.Context, t *cdp.Tab) error { return nil }
func (f *fakeTabOps) Close(t *cdp.Tab) error                      { return nil }

func newTestManager(t *testing.T) (*Manager, *refs.Registry) {
	t.Helper()
	pool := tabpool.New(&fakeTabOps{}, tabpool.Options{MinIdle: 1, MaxTabs: 10})
	t.Cleanup(pool.Shutdown)
	r := refs.New()
	m := NewManager(pool, queue.NewManager(queue.Options{}), r, Options{
		Navigate: func(ctx context.Context, tab *cdp.Tab, url string) error { return nil },
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, r
}

func TestCreateIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.Create("workspace", "w1")
	b := m.Create("workspace", "w2")
	if a != b {
		t.Fatal("recreating an id returned a new session")
	}
	if b.WorkerID != "w1" {
		t.Fatalf("worker id overwritten: %q", b.WorkerID)
	}
}

func TestCreateMintsID(t *testing.T) {
	m, _ := newTestManager(t)
	s := m.Create("", "")
	if s.ID == "" {
		t.Fatal("empty session id")
	}
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("minted session not retrievable: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	a := m.Create("A", "")
	m.Create("B", "")

	tab, err := m.CreateTab(ctx, a.ID, "", "")
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}

	if _, err := m.GetTab("A", tab.ID); err != nil {
		t.Fatalf("owner denied its own tab: %v", err)
	}
	_, err = m.GetTab("B", tab.ID)
	if !cerr.Is(err, cerr.KindSessionIsolation) {
		t.Fatalf("cross-session access: err = %v, want kind %q", err, cerr.KindSessionIsolation)
	}
}

func TestGetTabUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	m.Create("A", "")
	_, err := m.GetTab("A", "never-existed")
	if !cerr.Is(err, cerr.KindTabNotFound) {
		t.Fatalf("err = %v, want kind %q", err, cerr.KindTabNotFound)
	}
	_, err = m.GetTab("ghost", "x")
	if !cerr.Is(err, cerr.KindSessionNotFound) {
		t.Fatalf("err = %v, want kind %q", err, cerr.KindSessionNotFound)
	}
}

func TestRunPreservesFIFO(t *testing.T) {
	m, _ := newTestManager(t)
	m.Create("s", "")
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		v, err := m.Run(ctx, "s", "op", func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("op %d returned %v", i, v)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v", order)
		}
	}
}

func TestCloseTabClearsRefsAndEmits(t *testing.T) {
	m, r := newTestManager(t)
	ctx := context.Background()
	s := m.Create("A", "")

	var events []Event
	var evMu sync.Mutex
	m.Subscribe(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	tab, _ := m.CreateTab(ctx, s.ID, "", "")
	r.Generate(s.ID, tab.ID, 42, "button", "OK", "button", "OK")

	if err := m.CloseTab(ctx, s.ID, tab.ID); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if got := r.Count(s.ID, tab.ID); got != 0 {
		t.Fatalf("refs survived close: %d", got)
	}
	evMu.Lock()
	defer evMu.Unlock()
	if len(events) != 1 || events[0].Type != EventTabClosed || events[0].TabID != tab.ID {
		t.Fatalf("events = %+v", events)
	}
	// The tab is gone from the session.
	if _, err := m.GetTab(s.ID, tab.ID); !cerr.Is(err, cerr.KindTabNotFound) {
		t.Fatalf("closed tab still resolvable: %v", err)
	}
}

func TestCleanupCascade(t *testing.T) {
	m, r := newTestManager(t)
	ctx := context.Background()
	s := m.Create("A", "")

	var removed []string
	var evMu sync.Mutex
	m.Subscribe(func(ev Event) {
		if ev.Type == EventTabRemoved {
			evMu.Lock()
			removed = append(removed, ev.TabID)
			evMu.Unlock()
		}
	})

	t1, _ := m.CreateTab(ctx, s.ID, "", "")
	t2, _ := m.CreateTab(ctx, s.ID, "", "")
	r.Generate(s.ID, t1.ID, 1, "link", "", "a", "")
	r.Generate(s.ID, t2.ID, 2, "link", "", "a", "")

	if err := m.Cleanup(ctx, s.ID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := m.Get(s.ID); !cerr.Is(err, cerr.KindSessionNotFound) {
		t.Fatal("session survived cleanup")
	}
	if r.Count(s.ID, t1.ID)+r.Count(s.ID, t2.ID) != 0 {
		t.Fatal("refs survived cleanup")
	}
	evMu.Lock()
	defer evMu.Unlock()
	if len(removed) != 2 {
		t.Fatalf("tab-removed events = %v, want 2", removed)
	}
}

func TestCreateTabOnUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateTab(context.Background(), "nope", "", "")
	if !cerr.Is(err, cerr.KindSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateTabWorkerLabel(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s := m.Create("workspace", "w1")

	// Explicit label wins; empty inherits the session's.
	tagged, err := m.CreateTab(ctx, s.ID, "", "crawler-7")
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	if got := s.TabWorker(tagged.ID); got != "crawler-7" {
		t.Fatalf("tab worker = %q, want crawler-7", got)
	}

	inherited, err := m.CreateTab(ctx, s.ID, "", "")
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	if got := s.TabWorker(inherited.ID); got != "w1" {
		t.Fatalf("inherited worker = %q, want w1", got)
	}

	if err := m.CloseTab(ctx, s.ID, tagged.ID); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if got := s.TabWorker(tagged.ID); got != "" {
		t.Fatalf("label survived close: %q", got)
	}
}
