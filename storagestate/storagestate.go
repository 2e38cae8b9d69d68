// Package storagestate saves and restores a tab's cookies and localStorage
// as a versioned disk blob, so a session can reopen where it left off.
package storagestate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/statefile"
)

const (
	// Version is the current blob schema.
	Version = 1
	// restoreDeadline bounds a whole restore pass.
	restoreDeadline = 10 * time.Second
	// DefaultWatchInterval is the background resave cadence.
	DefaultWatchInterval = 30 * time.Second
)

// State is the on-disk blob.
type State struct {
	Version      int                    `json:"version"`
	Timestamp    time.Time              `json:"timestamp"`
	Cookies      []*proto.NetworkCookie `json:"cookies"`
	LocalStorage map[string]string      `json:"localStorage"`
}

const readLocalStorageScript = `() => {
	const out = {};
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
	} catch (e) {}
	return JSON.stringify(out);
}`

const writeLocalStorageScript = `(data) => {
	try {
		const obj = JSON.parse(data);
		for (const k of Object.keys(obj)) localStorage.setItem(k, obj[k]);
		return true;
	} catch (e) {
		return false;
	}
}`

// Store saves and restores storage state through the atomic file store.
type Store struct {
	files  *statefile.Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	saving map[string]bool // single-flight per path
}

// New creates a Store.
func New(files *statefile.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{files: files, logger: logger, now: time.Now, saving: make(map[string]bool)}
}

// Save captures the tab's cookies and localStorage into path. A save
// already in flight for the same path is rejected: interleaved writes of
// the same blob help no one.
func (s *Store) Save(ctx context.Context, tab *cdp.Tab, path string) error {
	s.mu.Lock()
	if s.saving[path] {
		s.mu.Unlock()
		return fmt.Errorf("storagestate: save already in progress for %s", path)
	}
	s.saving[path] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.saving, path)
		s.mu.Unlock()
	}()

	page := tab.Page().Context(ctx)
	cookies, err := proto.NetworkGetAllCookies{}.Call(page)
	if err != nil {
		return cdp.MapError(fmt.Errorf("storagestate: get cookies: %w", err))
	}

	local := map[string]string{}
	if obj, err := page.Eval(readLocalStorageScript); err == nil {
		// Restricted origins (about:blank, chrome://) yield an empty map.
		_ = json.Unmarshal([]byte(obj.Value.Str()), &local)
	}

	state := State{
		Version:      Version,
		Timestamp:    s.now(),
		Cookies:      cookies.Cookies,
		LocalStorage: local,
	}
	if err := s.files.Write(path, state, statefile.WriteOptions{}); err != nil {
		return fmt.Errorf("storagestate: write %s: %w", path, err)
	}
	s.logger.Debug("storagestate: saved",
		"path", path, "cookies", len(state.Cookies), "localStorage", len(local))
	return nil
}

// Restore loads path into the tab. Returns false (with no error) when the
// blob is missing, corrupted or from an unknown schema version -- a fresh
// session is the correct fallback, not a failure.
func (s *Store) Restore(ctx context.Context, tab *cdp.Tab, path string) (bool, error) {
	var state State
	res := s.files.Read(path, &state, nil)
	if !res.OK {
		if res.Corrupted {
			s.logger.Warn("storagestate: blob corrupted, starting fresh", "path", path)
		}
		return false, nil
	}
	if state.Version != Version {
		s.logger.Warn("storagestate: unknown version, starting fresh",
			"path", path, "version", state.Version)
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, restoreDeadline)
	defer cancel()
	page := tab.Page().Context(ctx)

	kept := FilterExpired(state.Cookies, s.now())
	if len(kept) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(kept))
		for _, c := range kept {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: c.SameSite,
				Expires:  c.Expires,
			})
		}
		if err := (proto.NetworkSetCookies{Cookies: params}).Call(page); err != nil {
			return false, cdp.MapError(fmt.Errorf("storagestate: set cookies: %w", err))
		}
	}

	if len(state.LocalStorage) > 0 {
		data, _ := json.Marshal(state.LocalStorage)
		// Best effort: restricted origins reject localStorage writes.
		if _, err := page.Eval(writeLocalStorageScript, string(data)); err != nil {
			s.logger.Debug("storagestate: localStorage restore skipped", "error", err)
		}
	}
	s.logger.Info("storagestate: restored",
		"path", path, "cookies", len(kept), "dropped", len(state.Cookies)-len(kept))
	return true, nil
}

// FilterExpired drops cookies whose expiry has passed. Session cookies
// (expires <= 0) are kept regardless: their lifetime is the browser's, not
// the clock's.
func FilterExpired(cookies []*proto.NetworkCookie, now time.Time) []*proto.NetworkCookie {
	nowSec := float64(now.Unix())
	var kept []*proto.NetworkCookie
	for _, c := range cookies {
		if c == nil {
			continue
		}
		if float64(c.Expires) > 0 && float64(c.Expires) < nowSec {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// Watch resaves the tab's state every interval until ctx is cancelled.
// Errors are swallowed: the watchdog is a convenience, not a contract.
func (s *Store) Watch(ctx context.Context, tab *cdp.Tab, path string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Save(ctx, tab, path); err != nil {
					s.logger.Debug("storagestate: watchdog save failed", "error", err)
				}
			}
		}
	}()
}
