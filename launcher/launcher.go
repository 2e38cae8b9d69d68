// Package launcher starts Chrome with a resolved profile directory and a
// debug port, or attaches to an instance already listening on that port.
// Only the launcher starts or stops the browser process; everything else
// talks to it through the websocket endpoint it exposes.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/openchrome/cerr"
	"github.com/hazyhaar/openchrome/profile"
)

const (
	pollInterval = 500 * time.Millisecond
	pollDeadline = 30 * time.Second
)

// Options configures a Launcher.
type Options struct {
	// Port is the remote debugging port. Default: 9222.
	Port int
	// Headless launches Chrome headless.
	Headless bool
	// AutoLaunch permits spawning Chrome when the port is closed.
	// When false, Ensure only attaches. Default: true (set NoAutoLaunch).
	NoAutoLaunch bool
	// RendererLimit caps renderer processes. Default: 4.
	RendererLimit int
	// ExtraFlags are appended verbatim to the Chrome command line.
	ExtraFlags []string
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Port <= 0 {
		o.Port = 9222
	}
	if o.RendererLimit <= 0 {
		o.RendererLimit = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Instance describes a running debug endpoint.
type Instance struct {
	WSEndpoint   string
	HTTPEndpoint string
	// ProfileType is the resolved profile type when the launcher spawned
	// Chrome; empty when attached to an existing instance.
	ProfileType profile.Type
	// Spawned is true when this launcher owns the process.
	Spawned bool
}

// Launcher manages a single Chrome process (or attachment).
type Launcher struct {
	opts Options

	mu       sync.Mutex
	instance *Instance
	cmd      *exec.Cmd
	profDir  string
	profType profile.Type
}

// New creates a Launcher.
func New(opts Options) *Launcher {
	opts.defaults()
	return &Launcher{opts: opts}
}

// Ensure returns a live debug endpoint: the cached one if still valid, an
// existing instance on the port, or a freshly spawned Chrome using the given
// profile resolution.
func (l *Launcher) Ensure(ctx context.Context, prof *profile.Result) (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.instance != nil {
		return l.instance, nil
	}

	httpEndpoint := fmt.Sprintf("http://127.0.0.1:%d", l.opts.Port)

	if ws, err := probeVersion(ctx, httpEndpoint); err == nil {
		l.opts.Logger.Info("launcher: attached to existing instance", "port", l.opts.Port)
		l.instance = &Instance{WSEndpoint: ws, HTTPEndpoint: httpEndpoint}
		return l.instance, nil
	}

	if l.opts.NoAutoLaunch {
		return nil, cerr.New(cerr.KindPortUnreachable, "no debug endpoint on port %d and auto-launch disabled", l.opts.Port)
	}

	bin, err := FindBinary(l.opts.Headless)
	if err != nil {
		return nil, err
	}

	args := l.buildArgs(prof)
	l.opts.Logger.Info("launcher: spawning chrome", "bin", bin, "profile", prof.Dir, "type", prof.Type)

	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: start chrome: %w", err)
	}

	// A child that exits before the endpoint opens means a locked profile
	// or a broken binary; fail fast instead of burning the whole deadline.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ws, err := l.pollEndpoint(ctx, httpEndpoint, exited)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	l.cmd = cmd
	l.profDir = prof.Dir
	l.profType = prof.Type
	l.instance = &Instance{
		WSEndpoint:   ws,
		HTTPEndpoint: httpEndpoint,
		ProfileType:  prof.Type,
		Spawned:      true,
	}
	return l.instance, nil
}

// Invalidate drops the cached instance so the next Ensure re-probes the
// endpoint. Used when downstream connections fail.
func (l *Launcher) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instance = nil
}

// Shutdown stops Chrome if this launcher spawned it, and deletes the
// profile directory only when it is a temp profile. Real, persistent and
// explicit directories are never deleted.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cmd != nil && l.cmd.Process != nil {
		if runtime.GOOS == "windows" {
			// Chrome fans out into a process tree on Windows.
			kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(l.cmd.Process.Pid))
			if err := kill.Run(); err != nil {
				l.opts.Logger.Warn("launcher: taskkill failed", "error", err)
			}
		} else {
			if err := l.cmd.Process.Kill(); err != nil {
				l.opts.Logger.Warn("launcher: kill failed", "error", err)
			}
		}
		l.cmd = nil
	}

	if l.profType == profile.TypeTemp && l.profDir != "" {
		if err := os.RemoveAll(l.profDir); err != nil {
			l.opts.Logger.Warn("launcher: remove temp profile", "dir", l.profDir, "error", err)
		}
	}
	l.instance = nil
}

func (l *Launcher) buildArgs(prof *profile.Result) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.opts.Port),
		"--user-data-dir=" + prof.Dir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--start-maximized",
		fmt.Sprintf("--renderer-process-limit=%d", l.opts.RendererLimit),
	}
	if l.opts.Headless {
		args = append(args, "--headless=new")
	}
	if prof.Type != profile.TypeReal {
		// Noisy background services only make sense on the user's own profile.
		args = append(args,
			"--disable-background-networking",
			"--disable-sync",
			"--disable-extensions",
			"--disable-features=Translate",
			"--disable-default-apps",
		)
	}
	if os.Getenv("CI") != "" || os.Getenv("DOCKER") != "" {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox", "--disable-dev-shm-usage")
	}
	return append(args, l.opts.ExtraFlags...)
}

func (l *Launcher) pollEndpoint(ctx context.Context, httpEndpoint string, exited <-chan error) (string, error) {
	deadline := time.NewTimer(pollDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-exited:
			return "", cerr.New(cerr.KindPortUnreachable,
				"chrome exited before the debug endpoint opened (locked profile or broken binary): %v", err)
		case <-deadline.C:
			return "", cerr.New(cerr.KindPortUnreachable, "debug endpoint did not open within %v", pollDeadline)
		case <-tick.C:
			if ws, err := probeVersion(ctx, httpEndpoint); err == nil {
				return ws, nil
			}
		}
	}
}

// probeVersion GETs /json/version and returns the websocket debugger URL.
func probeVersion(ctx context.Context, httpEndpoint string) (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpEndpoint+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("launcher: /json/version: status %d", resp.StatusCode)
	}
	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("launcher: decode /json/version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("launcher: /json/version returned no websocket URL")
	}
	return info.WebSocketDebuggerURL, nil
}
