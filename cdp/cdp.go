// Package cdp is the multiplexed transport between the core and the
// browser's debug endpoint. It wraps a single Rod browser connection and
// hands out Tab handles whose commands are routed by CDP session id, with
// per-request deadlines and structured error mapping.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	rodcdp "github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/openchrome/cerr"
)

// DefaultTimeout bounds a single CDP command.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	// Stealth applies the stealth evasions to every new tab.
	Stealth bool
	// Timeout is the default per-command deadline. Default: 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Tab is a handle to one browser page. Its ID matches the underlying CDP
// target id, so it is stable across the HTTP /json surface and the
// websocket transport.
type Tab struct {
	ID string

	page      *rod.Page
	createdAt time.Time
	lastUsed  atomic.Int64
	suspect   atomic.Bool
}

// Page exposes the underlying Rod page for typed proto calls.
func (t *Tab) Page() *rod.Page { return t.page }

// CreatedAt is when the tab target was created.
func (t *Tab) CreatedAt() time.Time { return t.createdAt }

// LastUsed is the last time a command was sent on this tab.
func (t *Tab) LastUsed() time.Time { return time.UnixMilli(t.lastUsed.Load()) }

// Touch updates the last-used timestamp.
func (t *Tab) Touch() { t.lastUsed.Store(time.Now().UnixMilli()) }

// Suspect reports whether a command on this tab timed out; the next owner
// should verify the tab before trusting it.
func (t *Tab) Suspect() bool { return t.suspect.Load() }

// MarkSuspect flags the tab after a timeout.
func (t *Tab) MarkSuspect() { t.suspect.Store(true) }

// ClearSuspect resets the flag after a successful health check.
func (t *Tab) ClearSuspect() { t.suspect.Store(false) }

// Client is the shared CDP transport. Safe for concurrent use.
type Client struct {
	opts    Options
	browser *rod.Browser

	mu   sync.RWMutex
	tabs map[string]*Tab
}

// NewClient creates an unconnected Client.
func NewClient(opts Options) *Client {
	opts.defaults()
	return &Client{opts: opts, tabs: make(map[string]*Tab)}
}

// Connect dials the browser websocket endpoint.
func (c *Client) Connect(ctx context.Context, wsEndpoint string) error {
	b := rod.New().ControlURL(wsEndpoint).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("cdp: connect %s: %w", wsEndpoint, err)
	}
	c.browser = b
	c.opts.Logger.Info("cdp: connected", "endpoint", wsEndpoint)
	return nil
}

// Browser exposes the underlying Rod browser.
func (c *Client) Browser() *rod.Browser { return c.browser }

// Close disconnects from the browser. The browser process itself belongs
// to the launcher.
func (c *Client) Close() error {
	if c.browser == nil {
		return nil
	}
	return c.browser.Close()
}

// NewTab creates a fresh page target and registers its handle.
func (c *Client) NewTab(ctx context.Context) (*Tab, error) {
	if c.browser == nil {
		return nil, fmt.Errorf("cdp: not connected")
	}

	var page *rod.Page
	var err error
	if c.opts.Stealth {
		page, err = stealth.Page(c.browser.Context(ctx))
	} else {
		page, err = c.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("cdp: create tab: %w", err))
	}

	t := &Tab{
		ID:        string(page.TargetID),
		page:      page,
		createdAt: time.Now(),
	}
	t.Touch()

	c.mu.Lock()
	c.tabs[t.ID] = t
	c.mu.Unlock()
	return t, nil
}

// Tab returns a registered tab handle. The second return is false when the
// target is no longer registered with the transport.
func (c *Client) Tab(id string) (*Tab, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tabs[id]
	return t, ok
}

// CloseTab closes the page target and forgets the handle.
func (c *Client) CloseTab(t *Tab) error {
	c.mu.Lock()
	delete(c.tabs, t.ID)
	c.mu.Unlock()
	if err := t.page.Close(); err != nil {
		return mapError(fmt.Errorf("cdp: close tab %s: %w", t.ID, err))
	}
	return nil
}

// Send issues a raw CDP command on the tab's session and returns the raw
// result. The deadline is the client default unless ctx carries a shorter
// one. A timeout marks the tab suspect; protocol errors are surfaced
// verbatim.
func (c *Client) Send(ctx context.Context, t *Tab, method string, params any) (json.RawMessage, error) {
	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	t.Touch()
	res, err := t.page.Call(callCtx, string(t.page.SessionID), method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			t.MarkSuspect()
			return nil, cerr.New(cerr.KindCDPTimeout, "%s on tab %s", method, t.ID)
		}
		return nil, mapError(err)
	}
	return json.RawMessage(res), nil
}

// EachNavigated invokes handler with the new main-frame URL every time the
// tab navigates, until ctx is cancelled.
func (c *Client) EachNavigated(ctx context.Context, t *Tab, handler func(url string)) {
	page := t.page.Context(ctx)
	go page.EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame != nil && e.Frame.ParentID == "" {
			handler(e.Frame.URL)
		}
	})()
}

// mapError wraps rod/CDP errors into structured kinds. Protocol errors keep
// their original message so callers can pattern-match Chrome's wording.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var perr *rodcdp.Error
	if errors.As(err, &perr) {
		return cerr.Wrap(cerr.KindCDPProtocol, perr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cerr.Wrap(cerr.KindCDPTimeout, err)
	}
	return err
}

// MapError is the exported form used by packages that issue typed proto
// calls directly on a tab's page.
func MapError(err error) error { return mapError(err) }
