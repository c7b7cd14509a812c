// Package dedupfs holds process-wide identity and debug state, kept
// separate from pkg/engine so that packages with no business logic
// dependency on the engine (notably pkg/logging) can still depend on it.
package dedupfs

import "fmt"

const (
	// VersionMajor represents the current major version of dedupfs.
	VersionMajor = 0
	// VersionMinor represents the current minor version of dedupfs.
	VersionMinor = 1
	// VersionPatch represents the current patch version of dedupfs.
	VersionPatch = 0
)

// Version is the human-readable version string, derived from the
// major/minor/patch components above.
var Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

// DebugEnabled controls whether the logging package's Debug/Debugf/Debugln
// methods produce output. Unlike the teacher's MUTAGEN_DEBUG environment
// variable, this is set exclusively by the --verbose CLI flag: spec.md 5
// requires that no environment variables are consulted.
var DebugEnabled bool

// SetDebug enables or disables debug-level logging for the remainder of the
// process.
func SetDebug(enabled bool) {
	DebugEnabled = enabled
}
