package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/openchrome/dbopen"
	"github.com/hazyhaar/openchrome/statefile"
)

// SnapshotResult reports how a snapshot was taken.
type SnapshotResult struct {
	// Tier is 1 (VACUUM INTO), 2 (sqlite3 CLI .backup) or 3 (raw copy).
	Tier int
	// NonAtomic is true for tier 3: the WAL was not captured, so the copy
	// may lag the live database. Callers surface this as a warning.
	NonAtomic bool
}

// Snapshot copies the source profile's cookie database into the persistent
// mirror, plus Local State and a patched Preferences.
//
// Chrome keeps cookies in a SQLite database whose durable state spans the
// main file, the write-ahead log and the shared-memory index. Copying those
// files individually while Chrome writes produces an inconsistent database
// that the next Chrome silently discards, so the copy goes through a
// three-tier fallback: VACUUM INTO on a read-only connection, the sqlite3
// CLI's .backup command, and as a last resort a raw copy of the main file
// flagged non-atomic.
func (m *Manager) Snapshot(ctx context.Context, sourceDir string) (*SnapshotResult, error) {
	log := m.opts.Logger

	src := findCookiesFile(sourceDir)
	if src == "" {
		return nil, fmt.Errorf("profile: no cookies file under %s", sourceDir)
	}

	rel, err := filepath.Rel(sourceDir, src)
	if err != nil {
		rel = filepath.Join("Default", "Network", "Cookies")
	}
	dst := filepath.Join(m.MirrorDir(), rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("profile: mkdir snapshot dest: %w", err)
	}

	res := &SnapshotResult{}
	switch {
	case m.vacuumInto(ctx, src, dst) == nil:
		res.Tier = 1
	case m.cliBackup(ctx, src, dst) == nil:
		res.Tier = 2
	default:
		if err := copyRegular(src, dst); err != nil {
			return nil, fmt.Errorf("profile: all snapshot tiers failed: %w", err)
		}
		res.Tier = 3
		res.NonAtomic = true
		log.Warn("profile: snapshot fell back to raw copy, WAL not captured", "src", src)
	}

	// The new Chrome must not replay a stale WAL over a clean snapshot.
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		os.Remove(dst + suffix)
	}

	// Best effort: Local State carries the encryption key metadata.
	if err := copyRegular(filepath.Join(sourceDir, "Local State"), filepath.Join(m.MirrorDir(), "Local State")); err != nil {
		log.Debug("profile: copy Local State", "error", err)
	}
	if err := m.copyPreferences(sourceDir); err != nil {
		log.Debug("profile: copy Preferences", "error", err)
	}

	if err := m.writeMetadata(sourceDir, src); err != nil {
		return nil, err
	}

	log.Info("profile: cookies snapshotted", "tier", res.Tier, "dest", dst)
	return res, nil
}

// vacuumInto performs the preferred atomic copy: a read-only connection to
// the source with VACUUM INTO a temp file, renamed into place. VACUUM INTO
// is WAL-aware and produces a single consistent file.
func (m *Manager) vacuumInto(ctx context.Context, src, dst string) error {
	db, err := dbopen.Open(src, dbopen.WithReadOnly(), dbopen.WithoutPing())
	if err != nil {
		return err
	}
	defer db.Close()

	tmp := dst + ".tmp-vacuum"
	os.Remove(tmp) // VACUUM INTO refuses an existing target
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("profile: vacuum into: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("profile: rename vacuum output: %w", err)
	}
	return nil
}

// cliBackup shells out to the sqlite3 CLI's .backup command, which has the
// same consistency semantics without an in-process connection. The
// destination path goes through sqlite's single-quote escaping and is passed
// as an argv element, never through a shell.
func (m *Manager) cliBackup(ctx context.Context, src, dst string) error {
	bin, err := exec.LookPath("sqlite3")
	if err != nil {
		return fmt.Errorf("profile: sqlite3 CLI not found: %w", err)
	}
	tmp := dst + ".tmp-backup"
	os.Remove(tmp)
	quoted := strings.ReplaceAll(tmp, "'", "''")
	cmd := exec.CommandContext(ctx, bin, src, fmt.Sprintf(".backup '%s'", quoted))
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("profile: sqlite3 .backup: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("profile: rename backup output: %w", err)
	}
	return nil
}

// copyPreferences copies Default/Preferences into the mirror with two
// patches: exit_type/exited_cleanly so Chrome skips the "didn't shut down
// correctly" prompt, and restore_on_startup so it does not resurrect the
// user's session inside the automation profile.
func (m *Manager) copyPreferences(sourceDir string) error {
	src := filepath.Join(sourceDir, "Default", "Preferences")
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	var prefs map[string]any
	if err := json.Unmarshal(data, &prefs); err != nil {
		return fmt.Errorf("profile: parse Preferences: %w", err)
	}

	prof, _ := prefs["profile"].(map[string]any)
	if prof == nil {
		prof = map[string]any{}
	}
	prof["exit_type"] = "Normal"
	prof["exited_cleanly"] = true
	prefs["profile"] = prof

	sess, _ := prefs["session"].(map[string]any)
	if sess == nil {
		sess = map[string]any{}
	}
	sess["restore_on_startup"] = 5 // open the new tab page
	prefs["session"] = sess

	dst := filepath.Join(m.MirrorDir(), "Default", "Preferences")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return m.store.Write(dst, out, statefile.WriteOptions{Raw: true})
}

func (m *Manager) writeMetadata(sourceDir, cookiesPath string) error {
	hash, err := fileHash(cookiesPath)
	if err != nil {
		return fmt.Errorf("profile: hash source cookies: %w", err)
	}

	path := filepath.Join(m.opts.BaseDir, MetadataFile)
	var meta SyncMetadata
	m.store.Read(path, &meta, nil) // missing or corrupted counts from zero

	meta.LastSyncTimestamp = m.opts.Now().UnixMilli()
	meta.SourceProfileHash = hash
	meta.SyncCount++
	meta.SourceProfileDir = sourceDir

	if err := m.store.Write(path, &meta, statefile.WriteOptions{Backup: true}); err != nil {
		return fmt.Errorf("profile: write sync metadata: %w", err)
	}
	return m.store.Cleanup(MetadataFile, statefile.DefaultKeepBackups)
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
