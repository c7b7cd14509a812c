// Package engine drives one run of the dedupe pipeline: discover files,
// replay and reconcile the persistent index against them, refresh stale
// fingerprints, and optionally dedupe. It is grounded on the original
// fastdedupe implementation's main.cpp, which sequences the same four
// phases against a global Database and HashStore.
package engine

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/dedupfs/dedupfs/pkg/ferror"
	"github.com/dedupfs/dedupfs/pkg/fsgateway"
	"github.com/dedupfs/dedupfs/pkg/index"
	"github.com/dedupfs/dedupfs/pkg/logging"
	"github.com/dedupfs/dedupfs/pkg/store"
)

// Engine owns the run's in-memory file arena and threads the gateway,
// persistent store, and hash index through each phase. Per DESIGN.md
// (Process-wide singletons), the caller constructs exactly one Engine per
// run rather than relying on package-level state.
type Engine struct {
	gateway   *fsgateway.Gateway
	persist   *store.Store
	hashes    *index.HashStore
	logger    *logging.Logger
	arena     map[string]*index.File
	patterns  map[string]struct{}
}

// New constructs an Engine around an already-open Gateway and Store.
func New(gateway *fsgateway.Gateway, persist *store.Store, logger *logging.Logger) *Engine {
	return &Engine{
		gateway: gateway,
		persist: persist,
		hashes:  index.NewHashStore(persist),
		logger:  logger,
		arena:   make(map[string]*index.File),
	}
}

// Discover is phase one: it canonicalizes and walks the given seed paths,
// creates an in-memory File record for each discovered regular file, and
// removes any seed the gateway reports as vanished from the persistent
// store, per spec.md 4.6 phase 1.
func (e *Engine) Discover(seeds []string, recursive bool) error {
	e.logger.Println("Loading files...")

	files, ignored, patterns := e.gateway.Discover(seeds, recursive)
	e.patterns = patterns

	for _, ig := range ignored {
		e.logger.Warn(errors.Errorf("ignored '%s': %s", ig.Path, ig.Message))
		if ig.Errno != 0 {
			if err := e.persist.RemoveFile(ig.Path); err != nil {
				return err
			}
		}
	}

	for _, fi := range files {
		if !fi.IsRegular {
			continue
		}
		e.arena[fi.Path] = index.NewFile(fi.Path, fi.Size, fi.MTimeSeconds())
	}

	return nil
}

// Replay is phase two: it loads every persisted row under each discovered
// pattern, folds rows matching a live file into the arena via
// UpdateFromCache, and prunes rows for paths no longer present on disk,
// per spec.md 4.6 phase 2.
func (e *Engine) Replay() error {
	e.logger.Println("Reading from database...")

	for pattern := range e.patterns {
		rows, err := e.persist.Replay(pattern)
		if err != nil {
			return err
		}

		for _, row := range rows {
			file, ok := e.arena[row.Path]
			if !ok {
				e.logger.Printf("Cleaning removed file '%s'", row.Path)
				if err := e.persist.RemoveFile(row.Path); err != nil {
					return err
				}
				continue
			}
			file.UpdateFromCache(row.MTime, row.ExtentsHash, row.DataHash, e.hashes)
		}
	}

	return nil
}

// Refresh is phase three: it recomputes the extents-fingerprint (and, when
// needed, the data-fingerprint) of every file that Replay left dirty, drops
// any file that has vanished since discovery, and finally removes orphaned
// hash rows, per spec.md 4.6 phase 3.
func (e *Engine) Refresh(updateExtents bool) error {
	for path, file := range e.arena {
		if err := file.Refresh(e.gateway, e.hashes, updateExtents); err != nil {
			if ferror.Is(err, ferror.InvalidArgument) {
				e.logger.Warn(errors.Wrapf(err, "ignoring file '%s'", path))
				delete(e.arena, path)
				continue
			}
			return errors.Wrapf(err, "unable to refresh %s", path)
		}
	}

	return e.persist.CleanHashes()
}

// Summary reports the outcome of a dedupe pass (spec.md supplements the
// original's "Saved X bytes" console line, which the distillation's
// Non-goals exclude only for live progress reporting, not a final total).
type Summary struct {
	Candidates int
	Deduped    int
	Failed     int
	BytesSaved int64
}

// String renders the summary the way the driver prints it at the end of a
// --dedupe run.
func (s Summary) String() string {
	if s.Candidates == 0 {
		return "No duplicates pending deduplication"
	}
	return "Deduped " + humanize.Comma(int64(s.Deduped)) + " of " +
		humanize.Comma(int64(s.Candidates)) + " candidates, saved " +
		humanize.Bytes(uint64(s.BytesSaved))
}

// Dedupe is phase four: for each data-fingerprint that resolves to more
// than one extents-fingerprint, it shares the largest group's extents with
// every other file sharing that data, per spec.md 4.6 phase 4.
func (e *Engine) Dedupe() Summary {
	e.logger.Println()
	candidates := e.hashes.Candidates()

	var summary Summary
	if len(candidates) == 0 {
		e.logger.Println("No duplicates pending deduplication")
		return summary
	}

	e.logger.Println("Deduplicating:")
	for ref, dests := range candidates {
		e.logger.Println(ref.Path)
		for _, dest := range dests {
			e.logger.Println("  " + dest.Path)
		}

		summary.Candidates += len(dests)
		failures := ref.Dedupe(e.gateway, e.hashes, dests)

		for _, dest := range dests {
			if msg, failed := failures[dest.Path]; failed {
				summary.Failed++
				e.logger.Error(errors.Errorf("could not dedupe '%s': %s", dest.Path, msg))
				continue
			}
			summary.Deduped++
			summary.BytesSaved += dest.Size
		}
		e.logger.Println()
	}

	return summary
}
