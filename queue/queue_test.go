package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/openchrome/cerr"
)

func TestFIFOOrderPerSession(t *testing.T) {
	m := NewManager(Options{})
	var mu sync.Mutex
	var order []int

	var dones []<-chan Result
	for i := 1; i <= 5; i++ {
		i := i
		dones = append(dones, m.Enqueue("s1", "task", func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	for _, d := range dones {
		if res := <-d; res.Err != nil {
			t.Fatalf("task failed: %v", res.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestSessionsRunInParallel(t *testing.T) {
	m := NewManager(Options{})
	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	m.Enqueue("slow", "blocker", func(ctx context.Context) (any, error) {
		close(blockerStarted)
		<-release
		return nil, nil
	})
	<-blockerStarted

	// A different session must not wait behind the blocker.
	done := m.Enqueue("fast", "quick", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("quick task: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second session starved by the first")
	}
	close(release)
}

func TestTaskTimeoutContinuesService(t *testing.T) {
	m := NewManager(Options{TaskTimeout: 20 * time.Millisecond})

	slow := m.Enqueue("s1", "hang", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	next := m.Enqueue("s1", "after", func(ctx context.Context) (any, error) {
		return "alive", nil
	})

	res := <-slow
	if !cerr.Is(res.Err, cerr.KindQueueTimeout) {
		t.Fatalf("slow task err = %v, want kind %q", res.Err, cerr.KindQueueTimeout)
	}
	res = <-next
	if res.Err != nil || res.Value != "alive" {
		t.Fatalf("queue wedged after timeout: %+v", res)
	}
}

func TestTimeoutAbandonsNonCooperativeTask(t *testing.T) {
	m := NewManager(Options{TaskTimeout: 30 * time.Millisecond})

	// The task never looks at ctx and returns a value long after the
	// deadline. The caller must still get queue.timeout at the deadline,
	// and the late value must be discarded.
	stubborn := m.Enqueue("s1", "stubborn", func(ctx context.Context) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "late-value", nil
	})
	start := time.Now()
	next := m.Enqueue("s1", "after", func(ctx context.Context) (any, error) {
		return "alive", nil
	})

	res := <-stubborn
	if !cerr.Is(res.Err, cerr.KindQueueTimeout) {
		t.Fatalf("stubborn task err = %v, want kind %q", res.Err, cerr.KindQueueTimeout)
	}
	if res.Value != nil {
		t.Fatalf("late value leaked: %v", res.Value)
	}

	res = <-next
	if res.Err != nil || res.Value != "alive" {
		t.Fatalf("queue wedged behind abandoned task: %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("next task waited %v for the abandoned one to return", elapsed)
	}
}

func TestClearRejectsPending(t *testing.T) {
	m := NewManager(Options{})
	started := make(chan struct{})
	release := make(chan struct{})

	running := m.Enqueue("s1", "running", func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-release:
			return "finished", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	<-started
	pending := m.Enqueue("s1", "pending", func(ctx context.Context) (any, error) {
		return "should not run", nil
	})

	n := m.Clear("s1")
	if n != 2 {
		t.Fatalf("Clear = %d, want 2 (1 pending + 1 running)", n)
	}
	res := <-pending
	if !cerr.Is(res.Err, cerr.KindQueueCancelled) {
		t.Fatalf("pending err = %v, want kind %q", res.Err, cerr.KindQueueCancelled)
	}
	res = <-running
	if !cerr.Is(res.Err, cerr.KindQueueCancelled) {
		t.Fatalf("running err = %v, want kind %q", res.Err, cerr.KindQueueCancelled)
	}
	close(release)
}

func TestEnqueueAfterClose(t *testing.T) {
	m := NewManager(Options{})
	<-m.Enqueue("s1", "warm", func(ctx context.Context) (any, error) { return nil, nil })
	m.Close("s1")

	// Close removed the session; a new enqueue lazily recreates it.
	res := <-m.Enqueue("s1", "fresh", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if res.Err != nil {
		t.Fatalf("enqueue after close: %v", res.Err)
	}
}

func TestDoPropagatesTaskError(t *testing.T) {
	m := NewManager(Options{})
	want := errors.New("element vanished")
	_, err := m.Do(context.Background(), "s1", "click", func(ctx context.Context) (any, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	m := NewManager(Options{})
	res := <-m.Enqueue("s1", "boomer", func(ctx context.Context) (any, error) {
		panic("nil deref in task")
	})
	if !cerr.Is(res.Err, cerr.KindQueueCancelled) {
		t.Fatalf("panic result = %v", res.Err)
	}
	res = <-m.Enqueue("s1", "next", func(ctx context.Context) (any, error) {
		return "alive", nil
	})
	if res.Err != nil || res.Value != "alive" {
		t.Fatalf("worker died after panic: %+v", res)
	}
}

func TestDepth(t *testing.T) {
	m := NewManager(Options{})
	if got := m.Depth("nope"); got != 0 {
		t.Fatalf("depth of unknown session = %d", got)
	}
}
