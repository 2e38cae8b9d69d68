// Package statefile implements atomic on-disk state primitives: atomic JSON
// writes via temp-file-plus-rename, timestamped backups, corruption detection
// and a recovery chain. The profile snapshot metadata and storage-state blobs
// are written through this package so a crash at any point leaves either the
// old or the new content readable, never a torn file.
package statefile

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/openchrome/cerr"
	"github.com/hazyhaar/openchrome/idgen"
)

// DefaultKeepBackups is how many backups Cleanup retains by default.
const DefaultKeepBackups = 10

// SchemaCheck validates a decoded value. Returning an error marks the file
// corrupted and triggers the recovery chain in callers.
type SchemaCheck func(raw json.RawMessage) error

// Store manages a directory of small state blobs plus a backups subdirectory.
type Store struct {
	backupsDir string
	logger     *slog.Logger
	newSuffix  idgen.Generator
}

// Options configures a Store.
type Options struct {
	// BackupsDir is where timestamped backups land. Default: "<dir>/backups"
	// next to the first written file; pass explicitly to pin it.
	BackupsDir string
	Logger     *slog.Logger
}

// New creates a Store writing backups under backupsDir.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backupsDir: opts.BackupsDir,
		logger:     opts.Logger,
		newSuffix:  idgen.NanoID(8),
	}
}

// WriteOptions tunes a single Write call.
type WriteOptions struct {
	// Backup copies the prior version of the file into the backups
	// directory before overwriting.
	Backup bool
	// Raw writes value as opaque bytes ([]byte) instead of JSON.
	Raw bool
}

// Write serialises value and atomically replaces path: write to a unique
// temp file in the same directory, fsync, rename over path. Rename atomicity
// requires temp and target on the same filesystem, which the same-directory
// temp guarantees.
func (s *Store) Write(path string, value any, opts WriteOptions) error {
	var data []byte
	if opts.Raw {
		b, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("statefile: raw write needs []byte, got %T", value)
		}
		data = b
	} else {
		b, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("statefile: marshal %s: %w", filepath.Base(path), err)
		}
		data = b
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("statefile: mkdir: %w", err)
	}

	if opts.Backup {
		if _, err := os.Stat(path); err == nil {
			if _, err := s.Backup(path); err != nil {
				return fmt.Errorf("statefile: backup before write: %w", err)
			}
		}
	}

	tmp := path + ".tmp-" + s.newSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("statefile: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("statefile: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("statefile: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statefile: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statefile: rename: %w", err)
	}
	return nil
}

// Result is the outcome of a Read. Read failures are non-fatal by contract;
// callers inspect Corrupted to decide whether to run the recovery chain.
type Result struct {
	OK        bool
	Corrupted bool
	Err       error
}

// Read reads and decodes path into out. A file is corrupted when it contains
// the concatenation pattern "}{" outside strings (two JSON writes interleaved)
// or when the optional schema check rejects it.
func (s *Store) Read(path string, out any, check SchemaCheck) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Err: fmt.Errorf("statefile: read %s: %w", filepath.Base(path), err)}
	}
	if hasConcatenation(data) {
		return Result{
			Corrupted: true,
			Err:       cerr.New(cerr.KindConfigCorrupted, "%s: concatenated JSON objects", filepath.Base(path)),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return Result{
			Corrupted: true,
			Err:       cerr.New(cerr.KindConfigCorrupted, "%s: %v", filepath.Base(path), err),
		}
	}
	if check != nil {
		if err := check(data); err != nil {
			return Result{
				Corrupted: true,
				Err:       cerr.New(cerr.KindConfigCorrupted, "%s: schema: %v", filepath.Base(path), err),
			}
		}
	}
	return Result{OK: true}
}

// Backup copies the current content of path into the backups directory as
// "<basename>.<iso-timestamp>.bak" and returns the backup path. The timestamp
// format sorts lexicographically in chronological order.
func (s *Store) Backup(path string) (string, error) {
	if s.backupsDir == "" {
		s.backupsDir = filepath.Join(filepath.Dir(path), "backups")
	}
	if err := os.MkdirAll(s.backupsDir, 0o755); err != nil {
		return "", fmt.Errorf("statefile: mkdir backups: %w", err)
	}
	ts := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	dst := filepath.Join(s.backupsDir, filepath.Base(path)+"."+ts+".bak")
	if err := copyFile(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// ListBackups returns the backup paths for the given base name, newest last.
func (s *Store) ListBackups(name string) ([]string, error) {
	entries, err := os.ReadDir(s.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statefile: list backups: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, name+".") && strings.HasSuffix(n, ".bak") {
			out = append(out, filepath.Join(s.backupsDir, n))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Restore copies backupPath over targetPath atomically (through Write's
// temp-and-rename discipline).
func (s *Store) Restore(backupPath, targetPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("statefile: read backup: %w", err)
	}
	return s.Write(targetPath, data, WriteOptions{Raw: true})
}

// Cleanup keeps the newest keep backups for name and deletes the rest.
// keep <= 0 means DefaultKeepBackups.
func (s *Store) Cleanup(name string, keep int) error {
	if keep <= 0 {
		keep = DefaultKeepBackups
	}
	backups, err := s.ListBackups(name)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	for _, p := range backups[:len(backups)-keep] {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("statefile: remove old backup", "path", p, "error", err)
		}
	}
	return nil
}

// Recover runs the recovery chain for a corrupted file: newest backup that
// decodes cleanly wins; if none, the file is reinitialised with init and the
// corrupted original kept aside as <path>.corrupted.
func (s *Store) Recover(path string, out any, check SchemaCheck, init any) error {
	backups, err := s.ListBackups(filepath.Base(path))
	if err != nil {
		return err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if r := s.Read(backups[i], out, check); r.OK {
			s.logger.Info("statefile: recovered from backup", "file", filepath.Base(path), "backup", backups[i])
			return s.Restore(backups[i], path)
		}
	}
	// No valid backup. Preserve the corrupted file for diagnosis, reinit.
	_ = os.Rename(path, path+".corrupted")
	s.logger.Warn("statefile: no valid backup, reinitialising", "file", filepath.Base(path))
	if err := s.Write(path, init, WriteOptions{}); err != nil {
		return err
	}
	return s.Read(path, out, check).Err
}

// hasConcatenation reports whether data contains "}{" outside string
// literals, the signature of two JSON documents written over each other.
func hasConcatenation(data []byte) bool {
	inString := false
	escaped := false
	var prev byte
	for _, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			prev = c
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if prev == '}' {
				return true
			}
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			prev = c
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("statefile: open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("statefile: create %s: %w", filepath.Base(dst), err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("statefile: copy: %w", err)
	}
	return out.Sync()
}
