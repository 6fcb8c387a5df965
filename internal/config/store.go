package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// WatchInterval is how often the store polls the file's mtime.
const WatchInterval = 2 * time.Second

// Snapshot is one published configuration state. It is immutable after
// publication; request handlers grab a snapshot once and use it for the
// whole request.
type Snapshot struct {
	Doc *Document

	// Generation increments on every swap. Caches keyed on provider
	// state compare generations to detect staleness cheaply.
	Generation uint64

	byName map[string]*Provider
}

// Provider returns the snapshot's entry for the named provider.
func (s *Snapshot) Provider(name string) (*Provider, bool) {
	if s.byName != nil {
		p, ok := s.byName[name]
		return p, ok
	}
	p := s.Doc.Provider(name)
	return p, p != nil
}

// SwapFunc observes snapshot replacements. Hooks run on the goroutine
// performing the swap, after the new snapshot is visible to readers.
type SwapFunc func(old, next *Snapshot)

// Store owns the configuration file: initial load, atomic snapshot
// publication, mtime-polling reload, and atomic write-back.
type Store struct {
	path   string
	logger *slog.Logger

	cur atomic.Pointer[Snapshot]
	gen atomic.Uint64

	mu        sync.Mutex // serializes reloads and writes
	lastMtime time.Time
	hooks     []SwapFunc
}

// Open loads and validates the document at path. A failure here is fatal
// to startup; after Open succeeds, reload failures only keep the old
// snapshot.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	s.lastMtime = info.ModTime()
	s.publish(doc)
	return s, nil
}

// Snapshot returns the current configuration. Lock-free.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// OnSwap registers a hook called after every snapshot replacement.
// Register hooks during wiring, before the watcher starts.
func (s *Store) OnSwap(fn SwapFunc) {
	s.hooks = append(s.hooks, fn)
}

// ReloadIfChanged re-reads the file when its mtime moved. Invalid new
// content is logged and discarded; the previous snapshot stays in effect.
func (s *Store) ReloadIfChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.logger.Warn("config reload: stat failed", "path", s.path, "error", err)
		return
	}
	if !info.ModTime().After(s.lastMtime) {
		return
	}
	// Record the mtime first so a broken file is not re-parsed every tick.
	s.lastMtime = info.ModTime()

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("config reload: read failed", "path", s.path, "error", err)
		return
	}
	doc, err := Parse(data)
	if err != nil {
		s.logger.Warn("config reload: rejected, keeping previous snapshot", "error", err)
		return
	}

	old := s.cur.Load()
	next := s.publish(doc)
	s.notify(old, next)
	s.logger.Info("config reloaded", "providers", len(doc.Providers), "generation", next.Generation)
}

// Write validates doc, replaces the backing file atomically (temp file +
// rename on the same filesystem), and publishes the new snapshot
// immediately without waiting for the poller.
func (s *Store) Write(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename into place: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.lastMtime = info.ModTime()
	}

	old := s.cur.Load()
	next := s.publish(doc)
	s.notify(old, next)
	return nil
}

// Watch polls the file every WatchInterval until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) {
	ticker := time.NewTicker(WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReloadIfChanged()
		}
	}
}

func (s *Store) publish(doc *Document) *Snapshot {
	byName := make(map[string]*Provider, len(doc.Providers))
	for i := range doc.Providers {
		byName[doc.Providers[i].Name] = &doc.Providers[i]
	}
	next := &Snapshot{
		Doc:        doc,
		Generation: s.gen.Add(1),
		byName:     byName,
	}
	s.cur.Store(next)
	return next
}

func (s *Store) notify(old, next *Snapshot) {
	for _, fn := range s.hooks {
		fn(old, next)
	}
}
