package storagestate

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/openchrome/statefile"
)

func cookie(name string, expires float64) *proto.NetworkCookie {
	return &proto.NetworkCookie{
		Name:    name,
		Value:   "v",
		Domain:  "example.com",
		Path:    "/",
		Expires: proto.TimeSinceEpoch(expires),
	}
}

func TestFilterExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cookies := []*proto.NetworkCookie{
		cookie("expired", 1_600_000_000),
		cookie("future", 1_800_000_000),
		cookie("session", 0),
		cookie("negative", -1),
		nil,
	}

	kept := FilterExpired(cookies, now)
	if len(kept) != 3 {
		t.Fatalf("kept %d cookies, want 3", len(kept))
	}
	names := map[string]bool{}
	for _, c := range kept {
		names[c.Name] = true
	}
	if names["expired"] {
		t.Fatal("expired cookie kept")
	}
	for _, want := range []string{"future", "session", "negative"} {
		if !names[want] {
			t.Fatalf("cookie %q dropped", want)
		}
	}
}

func TestFilterExpiredBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	// Exactly-now is not strictly before now: kept.
	kept := FilterExpired([]*proto.NetworkCookie{cookie("edge", 1_700_000_000)}, now)
	if len(kept) != 1 {
		t.Fatal("cookie expiring exactly now dropped")
	}
}

func TestRestoreMissingBlob(t *testing.T) {
	dir := t.TempDir()
	files := statefile.New(statefile.Options{BackupsDir: filepath.Join(dir, "backups")})
	s := New(files, slog.Default())

	ok, err := s.Restore(t.Context(), nil, filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Fatal("missing blob reported as restored")
	}
}

func TestRestoreWrongVersion(t *testing.T) {
	dir := t.TempDir()
	files := statefile.New(statefile.Options{BackupsDir: filepath.Join(dir, "backups")})
	path := filepath.Join(dir, "state.json")
	if err := files.Write(path, State{Version: 99, Timestamp: time.Now()}, statefile.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	s := New(files, slog.Default())
	ok, err := s.Restore(t.Context(), nil, path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok {
		t.Fatal("unknown schema version restored")
	}
}

func TestSaveSingleFlight(t *testing.T) {
	dir := t.TempDir()
	files := statefile.New(statefile.Options{BackupsDir: filepath.Join(dir, "backups")})
	s := New(files, slog.Default())
	path := filepath.Join(dir, "state.json")

	s.mu.Lock()
	s.saving[path] = true
	s.mu.Unlock()

	if err := s.Save(t.Context(), nil, path); err == nil {
		t.Fatal("concurrent save not rejected")
	}
}
