package index

import (
	"github.com/dedupfs/dedupfs/pkg/fingerprint"
)

// Persister is the subset of the persistent index that HashStore keeps in
// sync as it mutates its in-memory maps. *store.Store satisfies it.
type Persister interface {
	UpsertHash(extentsHash, dataHash fingerprint.Fingerprint) error
	InsertFile(path string, mtime int64, extentsHash fingerprint.Fingerprint) error
	UpdateFile(path string, mtime int64, extentsHash fingerprint.Fingerprint) error
	RemoveFile(path string) error
}

// extentsGroup tracks every File currently sharing one extents-fingerprint,
// and the data-fingerprint that group resolved to the first time it was
// seen this run (invariant I2).
type extentsGroup struct {
	files    map[*File]struct{}
	dataHash fingerprint.Fingerprint
}

// HashStore is the run's in-memory two-level fingerprint index: extents
// hash to file set, and data hash to the set of extents hashes that share
// it (spec.md 4.4), grounded on the original implementation's HashStore.
type HashStore struct {
	db        Persister
	byExtents map[fingerprint.Fingerprint]*extentsGroup
	byData    map[fingerprint.Fingerprint]map[fingerprint.Fingerprint]struct{}
}

// NewHashStore constructs an empty HashStore backed by db.
func NewHashStore(db Persister) *HashStore {
	return &HashStore{
		db:        db,
		byExtents: make(map[fingerprint.Fingerprint]*extentsGroup),
		byData:    make(map[fingerprint.Fingerprint]map[fingerprint.Fingerprint]struct{}),
	}
}

// AdoptFromCache folds a file whose cached hashes were just trusted
// (UpdateFromCache) into the in-memory maps, without touching the
// persistent store — its row is already current.
func (hs *HashStore) AdoptFromCache(f *File) {
	group := hs.groupFor(f.ExtentsHash)
	if len(group.files) == 0 {
		group.dataHash = f.DataHash
		hs.linkData(f.DataHash, f.ExtentsHash)
	}
	group.files[f] = struct{}{}
}

// RegisterNew folds a file with no prior persistent row into the in-memory
// maps, hashing its data the first time its extents-fingerprint is seen,
// and inserts both the hash row and the file row into the persistent
// store.
func (hs *HashStore) RegisterNew(f *File) error {
	if err := hs.resolveGroup(f); err != nil {
		return err
	}
	return hs.db.InsertFile(f.Path, f.MTime, f.ExtentsHash)
}

// RegisterRefreshed folds a file that already had a (stale) persistent row
// into the in-memory maps, hashing its data if its extents-fingerprint is
// new this run, and updates its persistent row.
func (hs *HashStore) RegisterRefreshed(f *File) error {
	if err := hs.resolveGroup(f); err != nil {
		return err
	}
	return hs.db.UpdateFile(f.Path, f.MTime, f.ExtentsHash)
}

// RegisterWithoutRehash folds a file back into the in-memory maps under a
// (possibly new) extents-fingerprint without rehashing its data, reusing
// f.DataHash as-is. Used when an --update-extents pass discovers extents
// moved but the underlying bytes are known to be unchanged.
func (hs *HashStore) RegisterWithoutRehash(f *File) error {
	group := hs.groupFor(f.ExtentsHash)
	if len(group.files) == 0 {
		group.dataHash = f.DataHash
		hs.linkData(f.DataHash, f.ExtentsHash)
		if err := hs.db.UpsertHash(f.ExtentsHash, f.DataHash); err != nil {
			return err
		}
	}
	group.files[f] = struct{}{}
	return hs.db.UpdateFile(f.Path, f.MTime, f.ExtentsHash)
}

// resolveGroup assigns f's extents group, hashing the file's data and
// persisting the hash row the first time this extents-fingerprint is seen
// this run.
func (hs *HashStore) resolveGroup(f *File) error {
	group := hs.groupFor(f.ExtentsHash)
	if len(group.files) == 0 {
		dataHash, err := fingerprint.DigestOfFile(f.Path)
		if err != nil {
			return err
		}
		group.dataHash = dataHash
		hs.linkData(dataHash, f.ExtentsHash)
		if err := hs.db.UpsertHash(f.ExtentsHash, dataHash); err != nil {
			return err
		}
	}
	group.files[f] = struct{}{}
	return nil
}

// DataHashFor returns the data-fingerprint resolved for extentsHash, or the
// zero fingerprint if that group is unknown.
func (hs *HashStore) DataHashFor(extentsHash fingerprint.Fingerprint) fingerprint.Fingerprint {
	if group, ok := hs.byExtents[extentsHash]; ok {
		return group.dataHash
	}
	return fingerprint.Zero
}

// MigrateExtents moves f from oldExtentsHash to its current ExtentsHash
// without rehashing its data, used when --update-extents detects the
// extent layout moved but the file's bytes did not change.
func (hs *HashStore) MigrateExtents(f *File, oldExtentsHash fingerprint.Fingerprint) error {
	hs.forgetFromGroup(f, oldExtentsHash)
	return hs.RegisterWithoutRehash(f)
}

// RemoveFile drops f from the in-memory maps and its persistent row,
// used when a file vanishes during an --update-extents pass.
func (hs *HashStore) RemoveFile(f *File) error {
	hs.forgetFromGroup(f, f.ExtentsHash)
	return hs.db.RemoveFile(f.Path)
}

// forget drops f from whatever group it currently belongs to, without
// touching the persistent store — used when a file vanishes before it was
// ever registered (so there is no persistent row to remove).
func (hs *HashStore) forget(f *File) {
	hs.forgetFromGroup(f, f.ExtentsHash)
}

func (hs *HashStore) forgetFromGroup(f *File, extentsHash fingerprint.Fingerprint) {
	group, ok := hs.byExtents[extentsHash]
	if !ok {
		return
	}
	delete(group.files, f)
	if len(group.files) > 0 {
		return
	}
	if siblings, ok := hs.byData[group.dataHash]; ok {
		delete(siblings, extentsHash)
		if len(siblings) == 0 {
			delete(hs.byData, group.dataHash)
		}
	}
	delete(hs.byExtents, extentsHash)
}

func (hs *HashStore) groupFor(extentsHash fingerprint.Fingerprint) *extentsGroup {
	group, ok := hs.byExtents[extentsHash]
	if !ok {
		group = &extentsGroup{files: make(map[*File]struct{})}
		hs.byExtents[extentsHash] = group
	}
	return group
}

func (hs *HashStore) linkData(dataHash, extentsHash fingerprint.Fingerprint) {
	siblings, ok := hs.byData[dataHash]
	if !ok {
		siblings = make(map[fingerprint.Fingerprint]struct{})
		hs.byData[dataHash] = siblings
	}
	siblings[extentsHash] = struct{}{}
}

// Candidates returns one dedupe plan per data-fingerprint that resolves to
// more than one distinct extents-fingerprint: the file belonging to the
// largest such group is the reference, and every file in every other group
// is a destination to be merged into it (spec.md 4.6, phase 4). Among
// equally-sized groups the one with the smaller extents-fingerprint wins,
// and the reference file is the group member with the smallest path; this
// tie-break is deterministic but not part of the contract.
func (hs *HashStore) Candidates() map[*File][]*File {
	candidates := make(map[*File][]*File)

	for _, extentsHashes := range hs.byData {
		if len(extentsHashes) <= 1 {
			continue
		}

		var max int
		var refHash fingerprint.Fingerprint
		var refFile *File
		for extentsHash := range extentsHashes {
			group := hs.byExtents[extentsHash]
			if len(group.files) > max || (len(group.files) == max && extentsHash.Less(refHash)) {
				max = len(group.files)
				refHash = extentsHash
				refFile = nil
				for f := range group.files {
					if refFile == nil || f.Path < refFile.Path {
						refFile = f
					}
				}
			}
		}

		var duplicates []*File
		for extentsHash := range extentsHashes {
			if extentsHash == refHash {
				continue
			}
			for f := range hs.byExtents[extentsHash].files {
				duplicates = append(duplicates, f)
			}
		}
		candidates[refFile] = duplicates
	}

	return candidates
}
