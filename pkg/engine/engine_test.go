//go:build linux

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dedupfs/dedupfs/pkg/fsgateway"
	"github.com/dedupfs/dedupfs/pkg/logging"
	"github.com/dedupfs/dedupfs/pkg/store"
)

func openTestEngine(t *testing.T, minSize int64) (*Engine, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	persist, err := store.Open(dbPath)
	if err != nil {
		t.Fatal("unable to open store:", err)
	}
	t.Cleanup(func() { persist.Close() })

	gateway := fsgateway.New(minSize)
	return New(gateway, persist, logging.RootLogger), persist
}

// TestDiscoverAndReplayFirstRun verifies that a first run over a fresh
// directory discovers a file and leaves it dirty (no persistent row yet to
// adopt), matching spec.md 4.6 phases 1-2 for a never-before-seen file.
func TestDiscoverAndReplayFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatal("unable to write test file:", err)
	}

	eng, _ := openTestEngine(t, 10)

	if err := eng.Discover([]string{path}, false); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(eng.arena) != 1 {
		t.Fatalf("expected exactly one arena entry, got %d", len(eng.arena))
	}

	if err := eng.Replay(); err != nil {
		t.Fatal("unexpected error:", err)
	}

	file, ok := eng.arena[mustCanonical(t, path)]
	if !ok {
		t.Fatal("file missing from arena after replay")
	}
	if file.Clean {
		t.Fatal("a never-before-seen file should remain dirty after replay")
	}
}

// TestDedupeWithNoCandidatesReportsEmptySummary verifies that a run with no
// shared content produces a summary with no candidates.
func TestDedupeWithNoCandidatesReportsEmptySummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatal("unable to write test file:", err)
	}

	eng, _ := openTestEngine(t, 10)
	if err := eng.Discover([]string{path}, false); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := eng.Replay(); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := eng.Refresh(false); err != nil {
		t.Skipf("filesystem does not support FIEMAP in this environment: %v", err)
	}

	summary := eng.Dedupe()
	if summary.Candidates != 0 {
		t.Fatalf("expected no candidates for a single unique file, got %d", summary.Candidates)
	}
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal("unable to resolve path:", err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		t.Fatal("unable to make path absolute:", err)
	}
	return abs
}
