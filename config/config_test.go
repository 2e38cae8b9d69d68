package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8765" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Browser.Port != 9222 {
		t.Errorf("port = %d", cfg.Browser.Port)
	}
	if cfg.Pool.MaxTabs != 10 || cfg.Pool.MinIdle != 2 {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Session.TaskTimeout != 2*time.Minute {
		t.Errorf("task timeout = %v", cfg.Session.TaskTimeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("listen_addr: \":9000\"\nbrowser:\n  port: 9333\n  headless: true\npool:\n  max_tabs: 4\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Browser.Port != 9333 || !cfg.Browser.Headless {
		t.Errorf("browser = %+v", cfg.Browser)
	}
	if cfg.Pool.MaxTabs != 4 {
		t.Errorf("max tabs = %d", cfg.Pool.MaxTabs)
	}
	// untouched fields still get defaults
	if cfg.Pool.MinIdle != 2 {
		t.Errorf("min idle = %d", cfg.Pool.MinIdle)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OPENCHROME_DEBUG_PORT", "9444")
	t.Setenv("OPENCHROME_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Browser.Port != 9444 {
		t.Errorf("port = %d, want 9444", cfg.Browser.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}
