// Package index holds the in-memory file arena and hash-group bookkeeping
// the driver consults each run, grounded on the original fastdedupe
// implementation's File and HashStore classes.
package index

import (
	"github.com/dedupfs/dedupfs/pkg/ferror"
	"github.com/dedupfs/dedupfs/pkg/fingerprint"
	"github.com/dedupfs/dedupfs/pkg/fsgateway"
)

// File is the in-memory record for one discovered path, owned by the
// engine's arena for the duration of a run (spec.md 3, 4.3).
type File struct {
	Path  string
	Size  int64
	MTime int64

	ExtentsHash fingerprint.Fingerprint
	DataHash    fingerprint.Fingerprint

	// Clean means ExtentsHash (and, once resolved, DataHash) reflect the
	// file's current on-disk extent layout.
	Clean bool
	// New means no persistent row exists yet for this path.
	New bool
}

// NewFile constructs a File record for a path discovered this run, with no
// persistent state loaded yet.
func NewFile(path string, size, mtime int64) *File {
	return &File{Path: path, Size: size, MTime: mtime, New: true}
}

// UpdateFromCache applies a row loaded from the persistent index. When the
// stored modification time matches the file's current modification time,
// the cached hashes are trusted and the file is adopted into hs without
// rehashing; otherwise the file is left dirty for Refresh to recompute.
func (f *File) UpdateFromCache(mtime int64, extentsHash, dataHash fingerprint.Fingerprint, hs *HashStore) {
	f.New = false
	if f.MTime != mtime {
		f.Clean = false
		return
	}
	f.Clean = true
	f.ExtentsHash = extentsHash
	f.DataHash = dataHash
	hs.AdoptFromCache(f)
}

// Refresh brings the file's extents-fingerprint (and, for newly seen
// extents-fingerprints, its data-fingerprint) up to date. A dirty file
// always recomputes; a clean file only recomputes when updateExtents is
// set, matching spec.md 4.6's distinction between a plain refresh and an
// --update-extents run. If the file has vanished since discovery, it is
// dropped from hs and the vanish error is returned to the caller.
func (f *File) Refresh(gw *fsgateway.Gateway, hs *HashStore, updateExtents bool) error {
	if !f.Clean {
		extentsHash, err := extentsHashOf(gw, f.Path, f.Size)
		if err != nil {
			if ferror.Is(err, ferror.InvalidArgument) {
				hs.forget(f)
			}
			return err
		}
		f.ExtentsHash = extentsHash

		if f.New {
			if err := hs.RegisterNew(f); err != nil {
				return err
			}
		} else if err := hs.RegisterRefreshed(f); err != nil {
			return err
		}

		f.DataHash = hs.DataHashFor(f.ExtentsHash)
		f.Clean = true
		return nil
	}

	if !updateExtents {
		return nil
	}

	old := f.ExtentsHash
	fresh, err := extentsHashOf(gw, f.Path, f.Size)
	if err != nil {
		if ferror.Is(err, ferror.InvalidArgument) {
			if removeErr := hs.RemoveFile(f); removeErr != nil {
				return removeErr
			}
		}
		return err
	}
	f.ExtentsHash = fresh
	if old != fresh {
		return hs.MigrateExtents(f, old)
	}
	return nil
}

// Dedupe shares this file's extents with dests wherever their data is
// byte-identical, then re-derives each destination's extents-fingerprint to
// confirm the kernel actually merged the extents. A destination whose
// post-dedupe fingerprint still differs, and that the kernel itself didn't
// already report as a failure, is recorded as "Check shows not deduped"; a
// destination that vanished during the operation is recorded as "File
// removed", matching the original implementation's verification step.
func (f *File) Dedupe(gw *fsgateway.Gateway, hs *HashStore, dests []*File) map[string]string {
	destPaths := make([]string, len(dests))
	byPath := make(map[string]*File, len(dests))
	for i, d := range dests {
		destPaths[i] = d.Path
		byPath[d.Path] = d
	}

	failures, err := gw.Dedupe(f.Path, destPaths, f.Size)
	if failures == nil {
		failures = make(map[string]string)
	}
	if err != nil {
		failures[f.Path] = err.Error()
	}

	for _, d := range dests {
		if refreshErr := d.Refresh(gw, hs, true); refreshErr != nil {
			if ferror.Is(refreshErr, ferror.InvalidArgument) {
				if _, already := failures[d.Path]; !already {
					failures[d.Path] = "File removed"
				}
			}
			continue
		}
		if d.ExtentsHash != f.ExtentsHash {
			if _, already := failures[d.Path]; !already {
				failures[d.Path] = "Check shows not deduped"
			}
		}
	}

	return failures
}

func extentsHashOf(gw *fsgateway.Gateway, path string, size int64) (fingerprint.Fingerprint, error) {
	logical, physical, length, err := gw.ExtentMap(path, size)
	if err != nil {
		return fingerprint.Zero, err
	}
	return fingerprint.DigestOfExtents(logical, physical, length), nil
}
