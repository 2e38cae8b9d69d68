// Package tabpool recycles browser tabs. Creating a tab costs a target
// round-trip plus stealth injection, so released tabs are scrubbed and kept
// warm instead of closed. The pool hands out the most recently used idle
// tab first, which keeps renderer caches hot.
package tabpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
)

const (
	DefaultMinIdle     = 2
	DefaultMaxTabs     = 10
	DefaultIdleTTL     = 300 * time.Second
	maintenanceEvery   = 30 * time.Second
	resetDeadline      = 10 * time.Second
)

// Ops abstracts the tab operations the pool needs, so the policy can be
// tested without a browser.
type Ops interface {
	Create(ctx context.Context) (*cdp.Tab, error)
	// Reset scrubs a tab back to a blank, stateless page.
	Reset(ctx context.Context, t *cdp.Tab) error
	Close(t *cdp.Tab) error
}

// ClientOps implements Ops on top of the shared CDP client.
type ClientOps struct {
	Client *cdp.Client
}

func (o ClientOps) Create(ctx context.Context) (*cdp.Tab, error) {
	return o.Client.NewTab(ctx)
}

// Reset returns the tab to about:blank and clears cookies plus all storage
// for every origin. Any failure means the tab may leak state between
// sessions, so callers must close it.
func (o ClientOps) Reset(ctx context.Context, t *cdp.Tab) error {
	page := t.Page().Context(ctx)
	if err := page.Navigate("about:blank"); err != nil {
		return cdp.MapError(fmt.Errorf("tabpool: blank %s: %w", t.ID, err))
	}
	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		return cdp.MapError(fmt.Errorf("tabpool: clear cookies %s: %w", t.ID, err))
	}
	err := (proto.StorageClearDataForOrigin{Origin: "*", StorageTypes: "all"}).Call(page)
	if err != nil {
		return cdp.MapError(fmt.Errorf("tabpool: clear storage %s: %w", t.ID, err))
	}
	return nil
}

func (o ClientOps) Close(t *cdp.Tab) error {
	return o.Client.CloseTab(t)
}

// Options configures a Pool.
type Options struct {
	MinIdle int           // idle tabs to keep warm. Default: 2.
	MaxTabs int           // hard cap on live tabs. Default: 10.
	IdleTTL time.Duration // idle tabs older than this are reaped. Default: 300s.
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.MinIdle <= 0 {
		o.MinIdle = DefaultMinIdle
	}
	if o.MaxTabs <= 0 {
		o.MaxTabs = DefaultMaxTabs
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a point-in-time snapshot of the pool. AvgAcquireMs averages the
// wall time of every successful Acquire, so a drifting value surfaces a
// drained shelf (cold creates) before callers notice.
type Stats struct {
	Idle         int     `json:"idle"`
	InUse        int     `json:"inUse"`
	Total        int     `json:"total"`
	Created      int     `json:"created"`
	Reused       int     `json:"reused"`
	Closed       int     `json:"closed"`
	AvgAcquireMs float64 `json:"avgAcquireMs"`
}

type idleTab struct {
	tab   *cdp.Tab
	since time.Time
}

// Pool owns the warm-tab inventory. Safe for concurrent use.
type Pool struct {
	opts Options
	ops  Ops

	mu          sync.Mutex
	idle        []idleTab // stack: top is most recently released
	inUse       map[string]*cdp.Tab
	created     int
	reused      int
	closed      int
	acquires    int
	acquireTime time.Duration // summed across successful acquires
	done        chan struct{}
	once        sync.Once
}

// New creates a Pool. Call Start to pre-warm and begin maintenance.
func New(ops Ops, opts Options) *Pool {
	opts.defaults()
	return &Pool{
		opts:  opts,
		ops:   ops,
		inUse: make(map[string]*cdp.Tab),
		done:  make(chan struct{}),
	}
}

// Start pre-warms the pool to MinIdle and launches the maintenance loop.
func (p *Pool) Start(ctx context.Context) {
	p.topUp(ctx)
	go p.maintain(ctx)
}

// Acquire returns a warm tab, creating one when the shelf is empty. The
// most recently used idle tab wins. Returns tab.not-found when the pool is
// at MaxTabs with nothing idle.
func (p *Pool) Acquire(ctx context.Context) (*cdp.Tab, error) {
	start := time.Now()
	p.mu.Lock()
	for len(p.idle) > 0 {
		top := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if top.tab.Suspect() {
			p.closed++
			p.mu.Unlock()
			_ = p.ops.Close(top.tab)
			p.mu.Lock()
			continue
		}
		p.inUse[top.tab.ID] = top.tab
		p.reused++
		p.recordAcquireLocked(start)
		p.mu.Unlock()
		top.tab.Touch()
		go p.topUp(context.WithoutCancel(ctx))
		return top.tab, nil
	}
	if len(p.inUse) >= p.opts.MaxTabs {
		p.mu.Unlock()
		return nil, cerr.New(cerr.KindTabNotFound, "pool exhausted: %d tabs in use", p.opts.MaxTabs)
	}
	p.mu.Unlock()

	t, err := p.ops.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("tabpool: create: %w", err)
	}
	p.mu.Lock()
	p.inUse[t.ID] = t
	p.created++
	p.recordAcquireLocked(start)
	p.mu.Unlock()
	return t, nil
}

func (p *Pool) recordAcquireLocked(start time.Time) {
	p.acquires++
	p.acquireTime += time.Since(start)
}

// Release scrubs the tab and shelves it for reuse. A tab that fails the
// scrub is closed instead: leaked cookies are worse than a cold start.
func (p *Pool) Release(ctx context.Context, t *cdp.Tab) {
	p.mu.Lock()
	delete(p.inUse, t.ID)
	p.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetDeadline)
	defer cancel()
	if t.Suspect() {
		p.discard(t, "suspect")
		return
	}
	if err := p.ops.Reset(rctx, t); err != nil {
		p.opts.Logger.Warn("tabpool: reset failed, closing tab", "tab", t.ID, "error", err)
		p.discard(t, "reset-failed")
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, idleTab{tab: t, since: time.Now()})
	p.mu.Unlock()
}

// Discard closes the tab without shelving it. Use after a crash or when a
// caller knows the renderer is wedged.
func (p *Pool) Discard(t *cdp.Tab) {
	p.mu.Lock()
	delete(p.inUse, t.ID)
	p.mu.Unlock()
	p.discard(t, "discard")
}

func (p *Pool) discard(t *cdp.Tab, reason string) {
	if err := p.ops.Close(t); err != nil {
		p.opts.Logger.Warn("tabpool: close failed", "tab", t.ID, "reason", reason, "error", err)
	}
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Total:   len(p.idle) + len(p.inUse),
		Created: p.created,
		Reused:  p.reused,
		Closed:  p.closed,
	}
	if p.acquires > 0 {
		s.AvgAcquireMs = float64(p.acquireTime.Microseconds()) / float64(p.acquires) / 1000
	}
	return s
}

// Shutdown closes every idle tab. In-use tabs belong to their sessions and
// are closed by session cleanup.
func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	shelf := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, it := range shelf {
		p.discard(it.tab, "shutdown")
	}
}

// topUp creates tabs until MinIdle are shelved, respecting MaxTabs.
func (p *Pool) topUp(ctx context.Context) {
	for {
		p.mu.Lock()
		need := p.opts.MinIdle - len(p.idle)
		room := p.opts.MaxTabs - len(p.idle) - len(p.inUse)
		p.mu.Unlock()
		if need <= 0 || room <= 0 {
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
		t, err := p.ops.Create(ctx)
		if err != nil {
			p.opts.Logger.Warn("tabpool: pre-warm failed", "error", err)
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, idleTab{tab: t, since: time.Now()})
		p.created++
		p.mu.Unlock()
	}
}

// maintain reaps idle tabs past their TTL every 30s but never shrinks the
// shelf below MinIdle, then tops back up in case reaping or failed resets
// drained it.
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
			p.topUp(ctx)
		}
	}
}

func (p *Pool) reap() {
	now := time.Now()
	var expired []*cdp.Tab
	p.mu.Lock()
	// Oldest entries sit at the bottom of the stack; stop at the first
	// fresh one.
	for len(p.idle) > p.opts.MinIdle {
		bottom := p.idle[0]
		if now.Sub(bottom.since) < p.opts.IdleTTL {
			break
		}
		expired = append(expired, bottom.tab)
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()
	for _, t := range expired {
		p.discard(t, "idle-ttl")
	}
}
