package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestOpen_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := s.Snapshot()
	if snap == nil || snap.Doc == nil {
		t.Fatal("nil snapshot after open")
	}
	if snap.Generation != 1 {
		t.Errorf("generation = %d, want 1", snap.Generation)
	}
	if p, ok := snap.Provider("openai-main"); !ok || p.Priority != 10 {
		t.Errorf("provider lookup failed: %+v %v", p, ok)
	}
	if _, ok := snap.Provider("nope"); ok {
		t.Error("unknown provider should not resolve")
	}
}

func TestOpen_InvalidIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "api_key: k\nproviders: []\n")
	if _, err := Open(path, testLogger()); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "absent.yaml"), testLogger()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReloadIfChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var swaps int
	s.OnSwap(func(old, next *Snapshot) { swaps++ })

	// Unchanged mtime: no reload.
	s.ReloadIfChanged()
	if got := s.Snapshot().Generation; got != 1 {
		t.Errorf("generation after no-op reload = %d", got)
	}

	// mtime resolution can be coarse; force it forward.
	writeFile(t, path, strings.Replace(sampleYAML, "model_timeout: 30", "model_timeout: 5", 1))
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s.ReloadIfChanged()
	snap := s.Snapshot()
	if snap.Generation != 2 {
		t.Fatalf("generation = %d, want 2", snap.Generation)
	}
	if snap.Doc.Preferences.ModelTimeout != 5*time.Second {
		t.Errorf("reload did not pick up new timeout: %v", snap.Doc.Preferences.ModelTimeout)
	}
	if swaps != 1 {
		t.Errorf("swap hook ran %d times, want 1", swaps)
	}
}

func TestReloadIfChanged_InvalidKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	writeFile(t, path, "api_key: k\nproviders: []\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s.ReloadIfChanged()
	snap := s.Snapshot()
	if snap.Generation != 1 {
		t.Errorf("invalid reload must keep the old snapshot, generation = %d", snap.Generation)
	}
	if len(snap.Doc.Providers) != 2 {
		t.Errorf("old provider set lost: %d providers", len(snap.Doc.Providers))
	}
}

func TestWrite_AtomicAndImmediate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, sampleYAML)
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	doc := s.Snapshot().Doc.Clone()
	doc.Providers = append(doc.Providers, Provider{
		Name:    "added",
		BaseURL: "http://added.test",
		APIKey:  "k",
		Enabled: true,
	})
	if err := s.Write(doc); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Snapshot swapped without waiting for the poller.
	snap := s.Snapshot()
	if snap.Generation != 2 {
		t.Errorf("generation = %d, want 2", snap.Generation)
	}
	if _, ok := snap.Provider("added"); !ok {
		t.Error("written provider missing from snapshot")
	}

	// File on disk is the new document and no temp files remain.
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	reparsed, err := Parse(onDisk)
	if err != nil {
		t.Fatalf("re-parse written file: %v", err)
	}
	if reparsed.Provider("added") == nil {
		t.Error("written provider missing from file")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".config-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	doc := s.Snapshot().Doc.Clone()
	doc.Providers = nil
	if err := s.Write(doc); err == nil {
		t.Fatal("expected validation error")
	}
	if s.Snapshot().Generation != 1 {
		t.Error("failed write must not swap the snapshot")
	}
}
