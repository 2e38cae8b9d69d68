// Package refs maps the short element handles handed to agents (ref_1,
// ref_2, ...) back to CDP backend node ids. Backend ids survive DOM
// mutations as long as the node itself does, so the registry also records
// enough of the element's shape to detect when a handle has gone stale.
package refs

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// StaleTTL is how long a recorded ref is trusted without re-validation.
const StaleTTL = 30 * time.Second

// maxBackendID bounds a canonical backend node id (2^31 - 1).
const maxBackendID = 1<<31 - 1

// prefixChars is how much of the element text is kept for validation.
const prefixChars = 30

// Entry records what a ref pointed at when it was generated.
type Entry struct {
	Ref        string    // "ref_<n>"
	BackendID  int       // CDP backend node id
	Role       string    // accessibility role at generation time
	Name       string    // accessible name at generation time
	Tag        string    // lowercase tag name at generation time
	TextPrefix string    // first 30 chars of trimmed text
	CreatedAt  time.Time
}

// Validation is the outcome of re-checking a ref against the live element.
// A stale ref is still valid; callers should warn and may re-find the
// element for a fresher handle.
type Validation struct {
	Valid  bool
	Stale  bool
	Reason string
}

type tabKey struct {
	session string
	tab     string
}

// Registry is the per-process ref table, partitioned by (session, tab).
// Safe for concurrent use.
type Registry struct {
	now func() time.Time

	mu     sync.Mutex
	tables map[tabKey]*table
}

type table struct {
	next    int
	byRef   map[string]*Entry
	backend map[int]string // backendID -> ref, so regeneration reuses handles
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{now: time.Now, tables: make(map[tabKey]*table)}
}

// Generate returns the ref for the given backend node, minting a new
// monotonic handle on first sight and reusing the existing one otherwise.
func (r *Registry) Generate(session, tab string, backendID int, role, name, tag, text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tables[tabKey{session, tab}]
	if t == nil {
		t = &table{byRef: make(map[string]*Entry), backend: make(map[int]string)}
		r.tables[tabKey{session, tab}] = t
	}

	if ref, ok := t.backend[backendID]; ok {
		e := t.byRef[ref]
		e.Role = role
		e.Name = name
		e.Tag = strings.ToLower(tag)
		e.TextPrefix = textPrefix(text)
		e.CreatedAt = r.now()
		return ref
	}

	t.next++
	ref := "ref_" + strconv.Itoa(t.next)
	t.byRef[ref] = &Entry{
		Ref:        ref,
		BackendID:  backendID,
		Role:       role,
		Name:       name,
		Tag:        strings.ToLower(tag),
		TextPrefix: textPrefix(text),
		CreatedAt:  r.now(),
	}
	t.backend[backendID] = ref
	return ref
}

// Resolve turns any accepted handle form into a backend node id. Three
// forms are understood: a registered "ref_<n>", a bare positive integer
// (the backend id itself), and "node_<int>". Numeric forms must be
// canonical: "01", "+5" and "007" are rejected even though Atoi accepts
// them. Unregistered canonical numerics resolve pass-through; anything
// else reports false.
func (r *Registry) Resolve(session, tab, handle string) (int, bool) {
	if strings.HasPrefix(handle, "ref_") {
		r.mu.Lock()
		defer r.mu.Unlock()
		t := r.tables[tabKey{session, tab}]
		if t == nil {
			return 0, false
		}
		e, ok := t.byRef[handle]
		if !ok {
			return 0, false
		}
		return e.BackendID, true
	}

	numeric := handle
	if rest, ok := strings.CutPrefix(handle, "node_"); ok {
		numeric = rest
	}
	n, err := strconv.Atoi(numeric)
	if err != nil || n <= 0 || n > maxBackendID || strconv.Itoa(n) != numeric {
		return 0, false
	}
	return n, true
}

// Lookup returns the recorded entry for a ref handle, if any.
func (r *Registry) Lookup(session, tab, ref string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[tabKey{session, tab}]
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.byRef[ref]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Validate compares the element's current shape against what the ref
// recorded. Tag (case-insensitive) and text prefix must both still match;
// any mismatch invalidates the ref regardless of age. A ref older than
// StaleTTL that still matches is reported stale but valid, so callers can
// warn and re-find at their leisure. An unknown ref validates trivially:
// numeric handles carry no recorded shape.
func (r *Registry) Validate(session, tab, ref, tag, text string) Validation {
	r.mu.Lock()
	e, ok := func() (*Entry, bool) {
		t := r.tables[tabKey{session, tab}]
		if t == nil {
			return nil, false
		}
		e, ok := t.byRef[ref]
		return e, ok
	}()
	if !ok {
		r.mu.Unlock()
		return Validation{Valid: true}
	}
	entry := *e
	now := r.now()
	r.mu.Unlock()

	if !strings.EqualFold(entry.Tag, tag) {
		return Validation{Reason: "tag changed from <" + entry.Tag + "> to <" + strings.ToLower(tag) + ">"}
	}
	if entry.TextPrefix != textPrefix(text) {
		return Validation{Reason: "text changed since the element was found"}
	}
	return Validation{Valid: true, Stale: now.Sub(entry.CreatedAt) > StaleTTL}
}

// ClearTab drops every ref recorded for one tab.
func (r *Registry) ClearTab(session, tab string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, tabKey{session, tab})
}

// ClearSession drops every ref recorded for a session across all its tabs.
func (r *Registry) ClearSession(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.tables {
		if k.session == session {
			delete(r.tables, k)
		}
	}
}

// Count reports how many refs are live for one tab.
func (r *Registry) Count(session, tab string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[tabKey{session, tab}]
	if t == nil {
		return 0
	}
	return len(t.byRef)
}

func textPrefix(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > prefixChars {
		return text[:prefixChars]
	}
	return text
}
