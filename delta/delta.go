// Package delta wraps a page action with a mutation observer and reports
// what the action changed, as a few short lines an agent can read instead
// of re-serializing the whole DOM. A main-frame navigation collapses the
// report to the new location: the old page's mutations died with it.
package delta

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
)

//go:embed observe.js
var observeScript string

//go:embed collect.js
var collectScript string

const (
	DefaultSettle   = 150 * time.Millisecond
	DefaultMaxChars = 500
	// maxPerKind caps each of added/removed/changed after deduplication.
	maxPerKind = 10
)

// Options tunes one recording.
type Options struct {
	Settle   time.Duration // wait after the action. Default: 150ms.
	MaxChars int           // cap on the formatted delta. Default: 500.
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// NodeChange is one added or removed element.
type NodeChange struct {
	Tag  string `json:"tag"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// AttrChange is one attribute mutation.
type AttrChange struct {
	Tag  string `json:"tag"`
	ID   string `json:"id"`
	Attr string `json:"attr"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// Record is what the in-page observer collected.
type Record struct {
	Added   []NodeChange `json:"added"`
	Removed []NodeChange `json:"removed"`
	Attrs   []AttrChange `json:"attrs"`

	URL        string `json:"url"`
	Title      string `json:"title"`
	ScrollY    int    `json:"scrollY"`
	NewURL     string `json:"newUrl"`
	NewTitle   string `json:"newTitle"`
	NewScrollY int    `json:"newScrollY"`
}

// Result pairs the action's own return value with the formatted delta.
type Result struct {
	Value any
	Delta string
}

// WithDelta installs the observer, runs action, waits for the page to
// settle and returns the formatted change set. Action errors propagate;
// observer failures degrade to an empty delta rather than failing the
// action that already succeeded.
func WithDelta(ctx context.Context, tab *cdp.Tab, action func(context.Context) (any, error), opts Options) (*Result, error) {
	opts.defaults()
	page := tab.Page().Context(ctx)

	if _, err := page.Eval(observeScript); err != nil {
		return nil, cdp.MapError(fmt.Errorf("delta: install observer: %w", err))
	}

	navigated := make(chan string, 1)
	navCtx, stopNav := context.WithCancel(ctx)
	defer stopNav()
	go page.Context(navCtx).EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		select {
		case navigated <- e.Frame.URL:
		default:
		}
	})()

	value, err := action(ctx)
	if err != nil {
		// Best effort: leave no observer behind for the next call.
		_, _ = page.Eval(collectScript)
		return nil, err
	}

	select {
	case <-time.After(opts.Settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case url := <-navigated:
		return &Result{Value: value, Delta: navigatedDelta(url, page)}, nil
	default:
	}

	obj, err := page.Eval(collectScript)
	if err != nil {
		// The usual cause is an execution context destroyed by a
		// navigation the event raced past; the action itself succeeded.
		if cerr.Is(cdp.MapError(err), cerr.KindCDPProtocol) {
			select {
			case url := <-navigated:
				return &Result{Value: value, Delta: navigatedDelta(url, page)}, nil
			default:
			}
			opts.Logger.Debug("delta: collect failed, returning empty delta", "error", err)
			return &Result{Value: value}, nil
		}
		return nil, cdp.MapError(fmt.Errorf("delta: collect: %w", err))
	}
	raw := obj.Value.Str()
	if raw == "" {
		return &Result{Value: value}, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("delta: decode record: %w", err)
	}
	if rec.NewURL != rec.URL {
		return &Result{Value: value, Delta: fmt.Sprintf("[Page navigated: %s] title: %q", rec.NewURL, rec.NewTitle)}, nil
	}
	return &Result{Value: value, Delta: Format(&rec, opts.MaxChars)}, nil
}

func navigatedDelta(url string, page *rod.Page) string {
	if info, err := page.Info(); err == nil && info.Title != "" {
		return fmt.Sprintf("[Page navigated: %s] title: %q", url, info.Title)
	}
	return fmt.Sprintf("[Page navigated: %s]", url)
}

// Format renders the record: one line per change, deduplicated, capped at
// 10 per kind and maxChars overall.
func Format(rec *Record, maxChars int) string {
	var lines []string

	for _, c := range dedupeNodes(rec.Added, maxPerKind) {
		lines = append(lines, nodeLine("+", c))
	}
	for _, c := range dedupeNodes(rec.Removed, maxPerKind) {
		lines = append(lines, nodeLine("-", c))
	}
	for _, c := range dedupeAttrs(rec.Attrs, maxPerKind) {
		label := c.Tag
		if c.ID != "" {
			label += "#" + c.ID
		}
		lines = append(lines, fmt.Sprintf("~ %s: %s %q→%q", label, c.Attr, c.Old, c.New))
	}

	if rec.NewTitle != rec.Title {
		lines = append(lines, fmt.Sprintf("title: %q → %q", rec.Title, rec.NewTitle))
	}
	if rec.NewScrollY != rec.ScrollY {
		lines = append(lines, fmt.Sprintf("scrollY: %d → %d", rec.ScrollY, rec.NewScrollY))
	}

	out := strings.Join(lines, "\n")
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func nodeLine(sign string, c NodeChange) string {
	label := c.Tag
	if c.Role != "" {
		label += fmt.Sprintf("[role=%q]", c.Role)
	}
	return fmt.Sprintf("%s %s: %q", sign, label, c.Text)
}

func dedupeNodes(in []NodeChange, limit int) []NodeChange {
	seen := make(map[NodeChange]bool, len(in))
	var out []NodeChange
	for _, c := range in {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func dedupeAttrs(in []AttrChange, limit int) []AttrChange {
	type key struct{ tag, id, attr, next string }
	seen := make(map[key]bool, len(in))
	var out []AttrChange
	for _, c := range in {
		k := key{c.Tag, c.ID, c.Attr, c.New}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out
}
