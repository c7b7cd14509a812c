//go:build linux

package fsgateway

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/dedupfs/dedupfs/pkg/ferror"
)

// Discover canonicalizes each seed path, emits one FileInfo per seed
// (directory or regular file), adds each canonical seed to the returned
// pattern set, and — if recursive is true — walks directories via
// symlink-non-following directory iteration, emitting FileInfo only for
// regular files whose size strictly exceeds g.minSize. Symlinks and other
// non-regular, non-directory entries are silently skipped. Per-entry errors
// are collected into the ignored list and never abort the walk, matching
// the original implementation's recursiveRead (original_source
// FilesystemHelper.cpp).
func (g *Gateway) Discover(seeds []string, recursive bool) ([]FileInfo, []IgnoredFile, map[string]struct{}) {
	var files []FileInfo
	var ignored []IgnoredFile
	patterns := make(map[string]struct{}, len(seeds))

	for _, seed := range seeds {
		isDir, isRegular, size, mtime, err := g.Stat(seed)
		if err != nil {
			ignored = append(ignored, toIgnored(seed, err))
			continue
		}

		canonical, err := g.Canonicalize(seed)
		if err != nil {
			ignored = append(ignored, toIgnored(seed, err))
			continue
		}
		patterns[canonical] = struct{}{}

		if !isDir && !isRegular {
			continue
		}
		files = append(files, FileInfo{
			Path:      canonical,
			Size:      size,
			ModTime:   mtime,
			IsDir:     isDir,
			IsRegular: isRegular,
		})

		if isDir && recursive {
			g.walk(canonical, &files, &ignored)
		}
	}

	return files, ignored, patterns
}

// walk recursively reads a directory's contents, using lstat-equivalent
// semantics (via Gateway.Stat) so symlinks are never followed, per spec.md
// 4.2's "discover on a symlink returns no FileInfo for its target."
func (g *Gateway) walk(dir string, files *[]FileInfo, ignored *[]IgnoredFile) {
	entries, err := readDirNames(dir)
	if err != nil {
		*ignored = append(*ignored, toIgnored(dir, err))
		return
	}

	for _, name := range entries {
		path := filepath.Join(dir, name)

		isDir, isRegular, size, mtime, err := g.Stat(path)
		if err != nil {
			*ignored = append(*ignored, toIgnored(path, err))
			continue
		}

		switch {
		case isDir:
			g.walk(path, files, ignored)
		case isRegular:
			if size > g.minSize {
				*files = append(*files, FileInfo{
					Path:      path,
					Size:      size,
					ModTime:   mtime,
					IsRegular: true,
				})
			}
		default:
			// Symlinks and other non-regular entries are silently skipped.
		}
	}
}

// readDirNames lists a directory's entry names without following the
// directory symlink itself (the caller already verified, via Stat, that dir
// is a directory and not a symlink).
func readDirNames(dir string) ([]string, error) {
	handle, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer handle.Close()
	return handle.Readdirnames(0)
}

// toIgnored converts a failure into an IgnoredFile, surfacing ENOENT when
// the failure was classified as ferror.NotFound so the driver can purge the
// corresponding persistent row (spec.md 4.6, phase 1).
func toIgnored(path string, err error) IgnoredFile {
	errno := 0
	if ferror.Is(err, ferror.NotFound) {
		errno = int(unix.ENOENT)
	}
	return IgnoredFile{Path: path, Errno: errno, Message: err.Error()}
}
