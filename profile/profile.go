// Package profile decides which Chrome user-data directory the browser
// launches with and maintains a persistent mirror of the real user's
// cookies so automation keeps working while the user's own Chrome holds
// its profile locked.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hazyhaar/openchrome/statefile"
)

// Type classifies the resolved user-data directory.
type Type string

const (
	TypeExplicit   Type = "explicit"   // caller-supplied, never touched on shutdown
	TypeTemp       Type = "temp"       // fresh per launch, deleted after
	TypeReal       Type = "real"       // the user's own profile, unlocked
	TypePersistent Type = "persistent" // the long-lived mirror under the base dir
)

// MaxSnapshotAge is how old a snapshot may be before a new one is taken.
const MaxSnapshotAge = 30 * time.Minute

// MetadataFile is the snapshot bookkeeping file under the base dir.
const MetadataFile = "sync-metadata.json"

// SyncMetadata records the most recent snapshot of the real profile.
type SyncMetadata struct {
	LastSyncTimestamp int64  `json:"lastSyncTimestamp"`
	SourceProfileHash string `json:"sourceProfileHash"` // "<mtime_ms>:<size>" of the source cookies file
	SyncCount         int    `json:"syncCount"`
	SourceProfileDir  string `json:"sourceProfileDir"`
}

// Options configures a Manager.
type Options struct {
	// ExplicitDir short-circuits resolution: use this directory as-is.
	ExplicitDir string
	// ForceTemp requests a fresh temp directory per launch.
	ForceTemp bool
	// HeadlessShell marks headless-shell mode, which implies a temp profile.
	HeadlessShell bool
	// RealDir overrides the discovered real-profile location (tests).
	RealDir string
	// BaseDir is where the persistent mirror and metadata live.
	// Default: <home>/.openchrome.
	BaseDir string
	Logger  *slog.Logger

	// PIDAlive overrides liveness probing of lock-holder pids (tests).
	PIDAlive func(pid int) bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			o.BaseDir = filepath.Join(home, ".openchrome")
		} else {
			o.BaseDir = filepath.Join(os.TempDir(), ".openchrome")
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PIDAlive == nil {
		o.PIDAlive = pidAlive
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Result describes the resolved profile directory.
type Result struct {
	Dir         string
	Type        Type
	Snapshotted bool
	// NonAtomic is set when the snapshot fell back to a raw file copy.
	// It is a warning, not an error (profile.snapshot-non-atomic).
	NonAtomic bool
}

// Manager resolves profile directories and snapshots cookies.
type Manager struct {
	opts  Options
	store *statefile.Store
}

// NewManager creates a profile Manager.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts: opts,
		store: statefile.New(statefile.Options{
			BackupsDir: filepath.Join(opts.BaseDir, "backups"),
			Logger:     opts.Logger,
		}),
	}
}

// MirrorDir is the persistent mirror location.
func (m *Manager) MirrorDir() string {
	return filepath.Join(m.opts.BaseDir, "profile")
}

// Resolve picks the user-data directory. Priority: explicit caller dir,
// forced/headless temp, unlocked real profile, persistent mirror (with
// snapshot when the real profile exists and the mirror is stale), persistent
// mirror without snapshot when no real profile exists.
func (m *Manager) Resolve(ctx context.Context) (*Result, error) {
	log := m.opts.Logger

	if m.opts.ExplicitDir != "" {
		return &Result{Dir: m.opts.ExplicitDir, Type: TypeExplicit}, nil
	}

	if m.opts.ForceTemp || m.opts.HeadlessShell {
		dir, err := os.MkdirTemp("", "openchrome-profile-")
		if err != nil {
			return nil, fmt.Errorf("profile: temp dir: %w", err)
		}
		return &Result{Dir: dir, Type: TypeTemp}, nil
	}

	real := m.realDir()
	realExists := false
	if real != "" {
		if fi, err := os.Stat(real); err == nil && fi.IsDir() {
			realExists = true
		}
	}

	if realExists && !m.isLocked(real) {
		log.Debug("profile: real profile unlocked, using directly", "dir", real)
		return &Result{Dir: real, Type: TypeReal}, nil
	}

	mirror := m.MirrorDir()
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		return nil, fmt.Errorf("profile: mkdir mirror: %w", err)
	}

	if !realExists {
		log.Debug("profile: no real profile, persistent mirror without snapshot")
		return &Result{Dir: mirror, Type: TypePersistent}, nil
	}

	res := &Result{Dir: mirror, Type: TypePersistent}
	needs, err := m.NeedsSync(real)
	if err != nil {
		log.Warn("profile: staleness check failed, snapshotting anyway", "error", err)
		needs = true
	}
	if needs {
		snap, err := m.Snapshot(ctx, real)
		if err != nil {
			// A failed snapshot leaves the previous mirror content usable.
			log.Warn("profile: snapshot failed, using stale mirror", "error", err)
		} else {
			res.Snapshotted = true
			res.NonAtomic = snap.NonAtomic
		}
	}
	return res, nil
}

// NeedsSync reports whether the mirror's cookie snapshot is stale against
// the source profile: true when there is no prior metadata, the source
// cookies file hash changed, or the last snapshot is older than
// MaxSnapshotAge. A stat failure on the source cookies file with existing
// metadata suppresses the sync (there is nothing fresh to copy) and logs
// a warning.
func (m *Manager) NeedsSync(sourceDir string) (bool, error) {
	var meta SyncMetadata
	r := m.store.Read(filepath.Join(m.opts.BaseDir, MetadataFile), &meta, nil)
	if !r.OK {
		if r.Corrupted {
			m.opts.Logger.Warn("profile: corrupted sync metadata, forcing snapshot", "error", r.Err)
		}
		return true, nil
	}

	src := findCookiesFile(sourceDir)
	if src == "" {
		m.opts.Logger.Warn("profile: source cookies file missing, suppressing sync", "dir", sourceDir)
		return false, nil
	}
	hash, err := fileHash(src)
	if err != nil {
		m.opts.Logger.Warn("profile: source cookies stat failed, suppressing sync", "error", err)
		return false, nil
	}
	if hash != meta.SourceProfileHash {
		return true, nil
	}
	age := m.opts.Now().Sub(time.UnixMilli(meta.LastSyncTimestamp))
	return age > MaxSnapshotAge, nil
}

// realDir returns the platform canonical Chrome user-data directory.
func (m *Manager) realDir() string {
	if m.opts.RealDir != "" {
		return m.opts.RealDir
	}
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, "Library", "Application Support", "Google", "Chrome")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Google", "Chrome", "User Data")
		}
		return ""
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, ".config", "google-chrome")
	}
}

// findCookiesFile locates the cookies database under a profile directory.
// Newer Chrome keeps it under Default/Network/Cookies, older under
// Default/Cookies.
func findCookiesFile(profileDir string) string {
	for _, rel := range []string{
		filepath.Join("Default", "Network", "Cookies"),
		filepath.Join("Default", "Cookies"),
	} {
		p := filepath.Join(profileDir, rel)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// fileHash is the cheap change detector for the source cookies file:
// "<mtime_ms>:<size>".
func fileHash(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", fi.ModTime().UnixMilli(), fi.Size()), nil
}
