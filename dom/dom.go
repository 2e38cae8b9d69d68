// Package dom renders a live page's DOM as compact indented text for
// language-model consumption. The browser sends the whole flattened tree in
// one DOM.getDocument round-trip (pierce=true includes iframe documents),
// and the walk happens host-side, so every emitted element carries the
// backend node id needed to act on it later.
package dom

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/openchrome/cdp"
)

const (
	// DefaultMaxOutputChars bounds the rendered text.
	DefaultMaxOutputChars = 50000
	// directTextClip bounds the immediate text captured per element.
	directTextClip = 200
)

// Options controls a serialization pass.
type Options struct {
	// MaxDepth limits descent; zero or negative means unlimited.
	MaxDepth int
	// MaxOutputChars bounds the output. Default: 50000.
	MaxOutputChars int
	// IncludePageStats prepends a [page_stats] header line.
	IncludePageStats bool
	// PierceIframes descends into same-process iframe documents.
	PierceIframes bool
	// InteractiveOnly emits only elements an agent can act on.
	InteractiveOnly bool
}

// DefaultOptions mirror the RPC surface defaults.
func DefaultOptions() Options {
	return Options{
		MaxDepth:         -1,
		MaxOutputChars:   DefaultMaxOutputChars,
		IncludePageStats: true,
		PierceIframes:    true,
	}
}

// PageStats is the one-shot page geometry snapshot.
type PageStats struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	ScrollX        int    `json:"scrollX"`
	ScrollY        int    `json:"scrollY"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
	ScrollWidth    int    `json:"scrollWidth"`
	ScrollHeight   int    `json:"scrollHeight"`
}

// Result is a rendered DOM.
type Result struct {
	Content   string
	PageStats *PageStats
	Truncated bool
}

// keptAttrs are emitted in this order; everything else is dropped.
var keptAttrs = []string{
	"id", "name", "type", "value", "placeholder", "aria-label", "role",
	"href", "src", "alt", "title", "data-testid", "disabled", "checked",
	"selected", "required", "class",
}

// skipTags are pruned entirely, subtree included.
var skipTags = map[string]bool{
	"SCRIPT": true, "STYLE": true, "SVG": true, "NOSCRIPT": true,
	"META": true, "LINK": true, "HEAD": true, "#COMMENT": true,
}

var interactiveTags = map[string]bool{
	"input": true, "button": true, "select": true, "textarea": true, "a": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "checkbox": true,
	"radio": true, "combobox": true, "listbox": true, "menu": true,
	"menuitem": true, "tab": true, "switch": true, "slider": true,
}

// InteractiveTag reports whether tag (lowercase) is inherently actionable.
func InteractiveTag(tag string) bool { return interactiveTags[tag] }

// InteractiveRole reports whether role marks an element actionable.
func InteractiveRole(role string) bool { return interactiveRoles[role] }

const statsScript = `() => ({
	url: location.href,
	title: document.title,
	scrollX: Math.round(scrollX),
	scrollY: Math.round(scrollY),
	viewportWidth: innerWidth,
	viewportHeight: innerHeight,
	scrollWidth: document.documentElement.scrollWidth,
	scrollHeight: document.documentElement.scrollHeight,
})`

// Serialize renders the tab's current DOM.
func Serialize(ctx context.Context, tab *cdp.Tab, opts Options) (*Result, error) {
	page := tab.Page().Context(ctx)

	var stats *PageStats
	obj, err := page.Eval(statsScript)
	if err != nil {
		return nil, cdp.MapError(fmt.Errorf("dom: page stats: %w", err))
	}
	v := obj.Value
	stats = &PageStats{
		URL:            v.Get("url").Str(),
		Title:          v.Get("title").Str(),
		ScrollX:        v.Get("scrollX").Int(),
		ScrollY:        v.Get("scrollY").Int(),
		ViewportWidth:  v.Get("viewportWidth").Int(),
		ViewportHeight: v.Get("viewportHeight").Int(),
		ScrollWidth:    v.Get("scrollWidth").Int(),
		ScrollHeight:   v.Get("scrollHeight").Int(),
	}

	depth := -1
	doc, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(page)
	if err != nil {
		return nil, cdp.MapError(fmt.Errorf("dom: get document: %w", err))
	}

	res := SerializeTree(doc.Root, stats, opts)
	tab.Touch()
	return res, nil
}

// SerializeTree renders an already-fetched DOM tree. Split out so the walk
// is testable against hand-built trees.
func SerializeTree(root *proto.DOMNode, stats *PageStats, opts Options) *Result {
	if opts.MaxOutputChars <= 0 {
		opts.MaxOutputChars = DefaultMaxOutputChars
	}

	w := &walker{opts: opts}
	if opts.IncludePageStats && stats != nil {
		w.emit(statsLine(stats))
	}
	if !w.truncated {
		w.document(root, 0)
	}

	return &Result{
		Content:   w.buf.String(),
		PageStats: stats,
		Truncated: w.truncated,
	}
}

func statsLine(s *PageStats) string {
	return fmt.Sprintf("[page_stats] url=%s title=%q viewport=%dx%d scroll=%d,%d extent=%dx%d",
		s.URL, s.Title, s.ViewportWidth, s.ViewportHeight,
		s.ScrollX, s.ScrollY, s.ScrollWidth, s.ScrollHeight)
}

type walker struct {
	opts      Options
	buf       strings.Builder
	total     int
	truncated bool
}

// emit appends one line, enforcing the character budget. Returns false once
// the budget is exhausted.
func (w *walker) emit(line string) bool {
	if w.truncated {
		return false
	}
	cost := len(line)
	if w.buf.Len() > 0 {
		cost++ // newline separator
	}
	if w.total+cost > w.opts.MaxOutputChars {
		fmt.Fprintf(&w.buf, "\n\n[Output truncated at %d chars. Use depth parameter to limit scope.]",
			w.opts.MaxOutputChars)
		w.truncated = true
		return false
	}
	if w.buf.Len() > 0 {
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(line)
	w.total += cost
	return true
}

// document walks a #document node: the document itself emits nothing, its
// element children start at the given depth.
func (w *walker) document(doc *proto.DOMNode, depth int) {
	if doc == nil {
		return
	}
	for _, child := range doc.Children {
		w.node(child, depth)
		if w.truncated {
			return
		}
	}
}

func (w *walker) node(n *proto.DOMNode, depth int) {
	if n == nil || n.NodeType != 1 {
		return
	}
	if skipTags[strings.ToUpper(n.NodeName)] {
		return
	}
	if w.opts.MaxDepth > 0 && depth > w.opts.MaxDepth {
		return
	}

	tag := strings.ToLower(n.NodeName)
	attrs := attrMap(n.Attributes)
	indent := strings.Repeat("  ", depth)

	include := !w.opts.InteractiveOnly || InteractiveTag(tag) || InteractiveRole(attrs["role"])
	if include {
		if !w.emit(indent + elementLine(n, tag, attrs)) {
			return
		}
	}

	if w.opts.PierceIframes && n.ContentDocument != nil {
		sep := indent + "--page-separator-- iframe: " + attrs["src"]
		if !w.emit(sep) {
			return
		}
		w.document(n.ContentDocument, depth+1)
		return
	}

	// Non-emitted elements still anchor their children at the next depth:
	// indentation tracks tree position, not filter decisions.
	for _, child := range n.Children {
		w.node(child, depth+1)
		if w.truncated {
			return
		}
	}
}

func elementLine(n *proto.DOMNode, tag string, attrs map[string]string) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(int(n.BackendNodeID)))
	b.WriteString("]<")
	b.WriteString(tag)
	for _, name := range keptAttrs {
		if v, ok := attrs[name]; ok {
			b.WriteByte(' ')
			b.WriteString(name)
			b.WriteString(`="`)
			b.WriteString(v)
			b.WriteByte('"')
		}
	}
	b.WriteString("/>")
	b.WriteString(directText(n))
	return b.String()
}

// directText joins the element's immediate text-node children.
func directText(n *proto.DOMNode) string {
	var parts []string
	for _, child := range n.Children {
		if child.NodeType != 3 {
			continue
		}
		if t := strings.TrimSpace(child.NodeValue); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, " ")
	if len(text) > directTextClip {
		text = text[:directTextClip]
	}
	return text
}

func attrMap(flat []string) map[string]string {
	if len(flat) == 0 {
		return nil
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[strings.ToLower(flat[i])] = flat[i+1]
	}
	return m
}
