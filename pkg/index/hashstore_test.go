package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dedupfs/dedupfs/pkg/fingerprint"
)

// fakePersister records calls instead of touching a real database, letting
// these tests exercise HashStore's in-memory bookkeeping in isolation.
type fakePersister struct {
	upserts int
	inserts int
	updates int
	removes int
}

func (p *fakePersister) UpsertHash(fingerprint.Fingerprint, fingerprint.Fingerprint) error {
	p.upserts++
	return nil
}

func (p *fakePersister) InsertFile(string, int64, fingerprint.Fingerprint) error {
	p.inserts++
	return nil
}

func (p *fakePersister) UpdateFile(string, int64, fingerprint.Fingerprint) error {
	p.updates++
	return nil
}

func (p *fakePersister) RemoveFile(string) error {
	p.removes++
	return nil
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal("unable to write temp file:", err)
	}
	return path
}

// TestRegisterNewHashesOncePerGroup verifies that two files sharing an
// extents-fingerprint only trigger one data read and one hash upsert, the
// central optimization of the two-level index (spec.md 4.4, I2).
func TestRegisterNewHashesOncePerGroup(t *testing.T) {
	persister := &fakePersister{}
	hs := NewHashStore(persister)

	pathA := writeTempFile(t, "identical content")
	pathB := writeTempFile(t, "identical content")

	shared := fingerprint.DigestOfBytes([]byte{1, 2, 3})

	fileA := NewFile(pathA, 17, 100)
	fileA.ExtentsHash = shared
	if err := hs.RegisterNew(fileA); err != nil {
		t.Fatal("unexpected error:", err)
	}

	fileB := NewFile(pathB, 17, 200)
	fileB.ExtentsHash = shared
	if err := hs.RegisterNew(fileB); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if persister.upserts != 1 {
		t.Fatalf("expected exactly one hash upsert, got %d", persister.upserts)
	}
	if persister.inserts != 2 {
		t.Fatalf("expected two file inserts, got %d", persister.inserts)
	}
	expectedDataHash, err := fingerprint.DigestOfFile(pathA)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if !hs.DataHashFor(shared).Equal(expectedDataHash) {
		t.Fatal("group's data hash was not derived from its member's content")
	}
}

// TestCandidatesSkipsSingleExtentsGroup verifies that a data-fingerprint
// resolving to only one extents-fingerprint produces no dedupe candidate,
// since there is nothing left to merge.
func TestCandidatesSkipsSingleExtentsGroup(t *testing.T) {
	persister := &fakePersister{}
	hs := NewHashStore(persister)

	path := writeTempFile(t, "solo")
	file := NewFile(path, 4, 1)
	file.ExtentsHash = fingerprint.DigestOfBytes([]byte{9})
	if err := hs.RegisterNew(file); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if candidates := hs.Candidates(); len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

// TestCandidatesGroupsByReferenceSize verifies that the extents group with
// the most files becomes the reference, and every file in every other
// group becomes a destination, per the original implementation's
// getDedupeCandidates.
func TestCandidatesGroupsByReferenceSize(t *testing.T) {
	persister := &fakePersister{}
	hs := NewHashStore(persister)

	content := "shared bytes"
	majorityHash := fingerprint.DigestOfBytes([]byte{1})
	minorityHash := fingerprint.DigestOfBytes([]byte{2})

	majority := []*File{
		NewFile(writeTempFile(t, content), 12, 1),
		NewFile(writeTempFile(t, content), 12, 2),
	}
	for _, f := range majority {
		f.ExtentsHash = majorityHash
		if err := hs.RegisterNew(f); err != nil {
			t.Fatal("unexpected error:", err)
		}
	}

	minority := NewFile(writeTempFile(t, content), 12, 3)
	minority.ExtentsHash = minorityHash
	if err := hs.RegisterNew(minority); err != nil {
		t.Fatal("unexpected error:", err)
	}

	candidates := hs.Candidates()
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one candidate group, got %d", len(candidates))
	}
	for ref, dests := range candidates {
		found := false
		for _, f := range majority {
			if ref == f {
				found = true
			}
		}
		if !found {
			t.Fatal("reference was not chosen from the larger extents group")
		}
		if len(dests) != 1 || dests[0] != minority {
			t.Fatal("destinations did not contain exactly the minority file")
		}
	}
}

// TestRemoveFileDropsEmptyGroups verifies that removing the last file in an
// extents group also removes the now-empty data-hash mapping (I1-I4).
func TestRemoveFileDropsEmptyGroups(t *testing.T) {
	persister := &fakePersister{}
	hs := NewHashStore(persister)

	path := writeTempFile(t, "alone")
	file := NewFile(path, 5, 1)
	file.ExtentsHash = fingerprint.DigestOfBytes([]byte{7})
	if err := hs.RegisterNew(file); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if err := hs.RemoveFile(file); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if persister.removes != 1 {
		t.Fatalf("expected one persistent removal, got %d", persister.removes)
	}
	if len(hs.byExtents) != 0 {
		t.Fatal("extents group was not cleaned up")
	}
	if len(hs.byData) != 0 {
		t.Fatal("data group was not cleaned up")
	}
}
