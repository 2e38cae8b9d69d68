// Package session owns the logical client workspaces. A session holds the
// tabs it created, a FIFO queue serialising its operations and a partition
// of the ref table. Isolation is a hard boundary: no session can reach a
// tab another session created, whatever identifiers it guesses.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
	"github.com/hazyhaar/openchrome/idgen"
	"github.com/hazyhaar/openchrome/queue"
	"github.com/hazyhaar/openchrome/refs"
	"github.com/hazyhaar/openchrome/tabpool"
)

const (
	DefaultIdleTTL = 30 * time.Minute
	sweepEvery     = time.Minute
)

// Event types emitted to subscribers.
const (
	EventTabClosed  = "tab-closed"  // a single tab was closed by its session
	EventTabRemoved = "tab-removed" // a tab went away as part of session cleanup
)

// Event notifies dependent components so they can drop per-tab state.
type Event struct {
	Type      string
	SessionID string
	TabID     string
}

// Session is one client workspace.
type Session struct {
	ID        string
	WorkerID  string
	CreatedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	tabs       map[string]*cdp.Tab
	tabWorkers map[string]string // tab id -> opaque worker label
}

// LastActive is the most recent operation timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// TabWorker returns the worker label recorded when the tab was created.
func (s *Session) TabWorker(tabID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabWorkers[tabID]
}

// TabIDs lists the session's owned tabs.
func (s *Session) TabIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		ids = append(ids, id)
	}
	return ids
}

// Navigator drives a tab to a URL. Injected so policy tests run without a
// browser.
type Navigator func(ctx context.Context, tab *cdp.Tab, url string) error

// Options configures a Manager.
type Options struct {
	IdleTTL  time.Duration // sessions idle longer are destroyed. Default: 30m.
	Navigate Navigator     // default: rod page navigation with load wait.
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.IdleTTL <= 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	if o.Navigate == nil {
		o.Navigate = navigate
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func navigate(ctx context.Context, tab *cdp.Tab, url string) error {
	page := tab.Page().Context(ctx)
	if err := page.Navigate(url); err != nil {
		return cdp.MapError(fmt.Errorf("session: navigate %s: %w", url, err))
	}
	if err := page.WaitLoad(); err != nil {
		return cdp.MapError(fmt.Errorf("session: wait load %s: %w", url, err))
	}
	return nil
}

// Manager owns all sessions and the collaborators they share.
type Manager struct {
	opts  Options
	pool  *tabpool.Pool
	queue *queue.Manager
	refs  *refs.Registry
	newID idgen.Generator

	mu       sync.Mutex
	sessions map[string]*Session
	// tabOwner maps every live tab id to its owning session, the index
	// behind the isolation check.
	tabOwner map[string]string
	subs     []func(Event)
	done     chan struct{}
	once     sync.Once
}

// NewManager wires a Manager to its collaborators.
func NewManager(pool *tabpool.Pool, q *queue.Manager, r *refs.Registry, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:     opts,
		pool:     pool,
		queue:    q,
		refs:     r,
		newID:    idgen.Prefixed("sess_", idgen.NanoID(12)),
		sessions: make(map[string]*Session),
		tabOwner: make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Start launches the idle sweep.
func (m *Manager) Start(ctx context.Context) {
	go m.sweep(ctx)
}

// Subscribe registers an event callback. Callbacks run synchronously on
// the mutating goroutine and must not call back into the Manager.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	subs := append(([]func(Event))(nil), m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Create returns the session with the given id, creating it on first use.
// An empty id mints a fresh one. Creation is idempotent: recreating an
// existing id returns the live session untouched.
func (m *Manager) Create(id, workerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.newID()
	}
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:         id,
		WorkerID:   workerID,
		CreatedAt:  time.Now(),
		lastActive: time.Now(),
		tabs:       make(map[string]*cdp.Tab),
		tabWorkers: make(map[string]string),
	}
	m.sessions[id] = s
	m.opts.Logger.Info("session: created", "session", id, "worker", workerID)
	return s
}

// Get returns an existing session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, cerr.New(cerr.KindSessionNotFound, "session %s", id)
	}
	return s, nil
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CreateTab acquires a tab from the pool for the session, optionally
// navigating it, and returns the tab handle. The worker label is an opaque
// per-tab tag; empty inherits the session's own label.
func (m *Manager) CreateTab(ctx context.Context, sessionID, url, workerID string) (*cdp.Tab, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.touch()
	if workerID == "" {
		workerID = s.WorkerID
	}

	tab, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if url != "" {
		if err := m.opts.Navigate(ctx, tab, url); err != nil {
			m.pool.Release(ctx, tab)
			return nil, err
		}
	}

	s.mu.Lock()
	s.tabs[tab.ID] = tab
	s.tabWorkers[tab.ID] = workerID
	s.mu.Unlock()
	m.mu.Lock()
	m.tabOwner[tab.ID] = s.ID
	m.mu.Unlock()
	return tab, nil
}

// GetTab resolves a tab for a session, enforcing ownership. A tab owned by
// another session fails with session.isolation; anything else unknown
// fails with tab.not-found.
func (m *Manager) GetTab(sessionID, tabID string) (*cdp.Tab, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.touch()

	m.mu.Lock()
	owner, known := m.tabOwner[tabID]
	m.mu.Unlock()
	if known && owner != sessionID {
		return nil, cerr.New(cerr.KindSessionIsolation,
			"tab %s belongs to another session", tabID)
	}

	s.mu.Lock()
	tab, ok := s.tabs[tabID]
	s.mu.Unlock()
	if !ok {
		return nil, cerr.New(cerr.KindTabNotFound, "tab %s", tabID)
	}
	return tab, nil
}

// CloseTab returns a session's tab to the pool and clears its refs.
func (m *Manager) CloseTab(ctx context.Context, sessionID, tabID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	tab, err := m.GetTab(sessionID, tabID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.tabs, tabID)
	delete(s.tabWorkers, tabID)
	s.mu.Unlock()
	m.mu.Lock()
	delete(m.tabOwner, tabID)
	m.mu.Unlock()

	m.refs.ClearTab(sessionID, tabID)
	m.pool.Release(ctx, tab)
	m.emit(Event{Type: EventTabClosed, SessionID: sessionID, TabID: tabID})
	return nil
}

// Run dispatches an operation through the session's FIFO queue and waits
// for its result.
func (m *Manager) Run(ctx context.Context, sessionID, name string, task queue.Task) (any, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.touch()
	return m.queue.Do(ctx, sessionID, name, task)
}

// Cleanup destroys a session: pending work is cancelled, every owned tab
// goes back to the pool, refs are cleared, the queue is removed.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return cerr.New(cerr.KindSessionNotFound, "session %s", sessionID)
	}

	m.queue.Close(sessionID)

	s.mu.Lock()
	tabs := make([]*cdp.Tab, 0, len(s.tabs))
	for _, t := range s.tabs {
		tabs = append(tabs, t)
	}
	s.tabs = make(map[string]*cdp.Tab)
	s.tabWorkers = make(map[string]string)
	s.mu.Unlock()

	for _, tab := range tabs {
		m.mu.Lock()
		delete(m.tabOwner, tab.ID)
		m.mu.Unlock()
		m.pool.Release(ctx, tab)
		m.emit(Event{Type: EventTabRemoved, SessionID: sessionID, TabID: tab.ID})
	}
	m.refs.ClearSession(sessionID)
	m.opts.Logger.Info("session: destroyed", "session", sessionID, "tabs", len(tabs))
	return nil
}

// Shutdown destroys every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() { close(m.done) })
	for _, s := range m.List() {
		_ = m.Cleanup(ctx, s.ID)
	}
}

func (m *Manager) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.opts.IdleTTL)
	for _, s := range m.List() {
		if s.LastActive().Before(cutoff) {
			m.opts.Logger.Info("session: idle, cleaning up", "session", s.ID)
			_ = m.Cleanup(ctx, s.ID)
		}
	}
}
