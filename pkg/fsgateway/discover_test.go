//go:build linux

package fsgateway

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDiscoverRecursiveAppliesMinSize verifies that a recursive walk only
// emits regular files whose size strictly exceeds the configured
// threshold, per spec.md 4.2.
func TestDiscoverRecursiveAppliesMinSize(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small")
	large := filepath.Join(dir, "large")
	if err := os.WriteFile(small, []byte("x"), 0o644); err != nil {
		t.Fatal("unable to write small file:", err)
	}
	if err := os.WriteFile(large, make([]byte, 100), 0o644); err != nil {
		t.Fatal("unable to write large file:", err)
	}

	gw := New(10)
	files, ignored, patterns := gw.Discover([]string{dir}, true)

	if len(ignored) != 0 {
		t.Fatalf("expected no ignored entries, got %d", len(ignored))
	}
	if len(patterns) != 1 {
		t.Fatalf("expected exactly one pattern, got %d", len(patterns))
	}

	var sawLarge bool
	for _, f := range files {
		if f.Path == small {
			t.Fatal("small file should have been excluded by min-size")
		}
		if f.Path == large {
			sawLarge = true
		}
	}
	if !sawLarge {
		t.Fatal("large file was not discovered")
	}
}

// TestDiscoverNonRecursiveSkipsDirectoryContents verifies that a directory
// seed without --recursive yields only the directory's own FileInfo, not
// its contents.
func TestDiscoverNonRecursiveSkipsDirectoryContents(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "child"), make([]byte, 1000), 0o644); err != nil {
		t.Fatal("unable to write child file:", err)
	}

	gw := New(10)
	files, _, _ := gw.Discover([]string{dir}, false)

	if len(files) != 1 || !files[0].IsDir {
		t.Fatal("expected exactly one FileInfo describing the seed directory")
	}
}

// TestDiscoverMissingSeedIsIgnored verifies that a seed which does not
// exist is reported via the ignored list rather than aborting discovery.
func TestDiscoverMissingSeedIsIgnored(t *testing.T) {
	gw := New(DefaultMinSize)
	missing := filepath.Join(t.TempDir(), "missing")

	files, ignored, _ := gw.Discover([]string{missing}, false)

	if len(files) != 0 {
		t.Fatal("expected no files for a missing seed")
	}
	if len(ignored) != 1 {
		t.Fatalf("expected exactly one ignored entry, got %d", len(ignored))
	}
}
