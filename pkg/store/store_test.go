package store

import (
	"path/filepath"
	"testing"

	"github.com/dedupfs/dedupfs/pkg/fingerprint"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal("unable to open store:", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestInsertAndReplayRoundTrip verifies that a file inserted alongside its
// hash row is returned intact by Replay under an exact-path pattern.
func TestInsertAndReplayRoundTrip(t *testing.T) {
	s := openTestStore(t)

	extentsHash := fingerprint.DigestOfBytes([]byte("extents"))
	dataHash := fingerprint.DigestOfBytes([]byte("data"))

	if err := s.UpsertHash(extentsHash, dataHash); err != nil {
		t.Fatal("unable to upsert hash:", err)
	}
	if err := s.InsertFile("/some/file", 1000, extentsHash); err != nil {
		t.Fatal("unable to insert file:", err)
	}

	rows, err := s.Replay("/some/file")
	if err != nil {
		t.Fatal("unable to replay:", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	if rows[0].Path != "/some/file" || rows[0].MTime != 1000 {
		t.Fatal("replayed row does not match inserted file")
	}
	if !rows[0].ExtentsHash.Equal(extentsHash) || !rows[0].DataHash.Equal(dataHash) {
		t.Fatal("replayed hashes do not match inserted values")
	}
}

// TestReplayMatchesDirectoryPrefix verifies that a pattern naming a
// directory also returns files nested beneath it, per the original
// implementation's "filename LIKE ?1||'/%'" clause.
func TestReplayMatchesDirectoryPrefix(t *testing.T) {
	s := openTestStore(t)

	extentsHash := fingerprint.DigestOfBytes([]byte("extents"))
	if err := s.UpsertHash(extentsHash, fingerprint.DigestOfBytes([]byte("data"))); err != nil {
		t.Fatal("unable to upsert hash:", err)
	}
	if err := s.InsertFile("/some/dir/nested", 1, extentsHash); err != nil {
		t.Fatal("unable to insert file:", err)
	}

	rows, err := s.Replay("/some/dir")
	if err != nil {
		t.Fatal("unable to replay:", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one nested row, got %d", len(rows))
	}
}

// TestUpsertHashUpdatesDataHash verifies that re-upserting an existing
// extents-fingerprint overwrites its data-fingerprint rather than failing
// on the primary key conflict.
func TestUpsertHashUpdatesDataHash(t *testing.T) {
	s := openTestStore(t)

	extentsHash := fingerprint.DigestOfBytes([]byte("extents"))
	first := fingerprint.DigestOfBytes([]byte("first"))
	second := fingerprint.DigestOfBytes([]byte("second"))

	if err := s.UpsertHash(extentsHash, first); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := s.UpsertHash(extentsHash, second); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := s.InsertFile("/path", 1, extentsHash); err != nil {
		t.Fatal("unexpected error:", err)
	}

	rows, err := s.Replay("/path")
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(rows) != 1 || !rows[0].DataHash.Equal(second) {
		t.Fatal("upsert did not overwrite the existing data hash")
	}
}

// TestCleanHashesRemovesOrphans verifies that a hash row with no remaining
// file reference is deleted, while a still-referenced hash row survives.
func TestCleanHashesRemovesOrphans(t *testing.T) {
	s := openTestStore(t)

	orphan := fingerprint.DigestOfBytes([]byte("orphan"))
	referenced := fingerprint.DigestOfBytes([]byte("referenced"))

	if err := s.UpsertHash(orphan, fingerprint.DigestOfBytes([]byte("x"))); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := s.UpsertHash(referenced, fingerprint.DigestOfBytes([]byte("y"))); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := s.InsertFile("/kept", 1, referenced); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if err := s.CleanHashes(); err != nil {
		t.Fatal("unexpected error:", err)
	}

	var count int
	if err := s.tx.QueryRow(`SELECT COUNT(*) FROM hashes WHERE extents_hash = ?`, orphan.CanonicalBytes()).Scan(&count); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if count != 0 {
		t.Fatal("orphaned hash row was not removed")
	}

	if err := s.tx.QueryRow(`SELECT COUNT(*) FROM hashes WHERE extents_hash = ?`, referenced.CanonicalBytes()).Scan(&count); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if count != 1 {
		t.Fatal("referenced hash row was incorrectly removed")
	}
}

// TestRemoveFileDeletesRow verifies that RemoveFile drops the file row so a
// subsequent Replay no longer observes it.
func TestRemoveFileDeletesRow(t *testing.T) {
	s := openTestStore(t)

	extentsHash := fingerprint.DigestOfBytes([]byte("extents"))
	if err := s.UpsertHash(extentsHash, fingerprint.DigestOfBytes([]byte("data"))); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := s.InsertFile("/gone", 1, extentsHash); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := s.RemoveFile("/gone"); err != nil {
		t.Fatal("unexpected error:", err)
	}

	rows, err := s.Replay("/gone")
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(rows) != 0 {
		t.Fatal("removed file still appears in Replay")
	}
}
