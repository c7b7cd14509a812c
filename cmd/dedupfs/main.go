// Command dedupfs discovers files sharing identical content, reconciles
// them against a persistent fingerprint index, and optionally instructs the
// kernel to share their physical extents. It is grounded on the original
// fastdedupe implementation's main.cpp, and on the teacher's cobra-based
// command wiring (cmd/mutagen/flush.go in the retrieved mutagen source).
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dedupfs/dedupfs/pkg/dedupfs"
	"github.com/dedupfs/dedupfs/pkg/engine"
	"github.com/dedupfs/dedupfs/pkg/fsgateway"
	"github.com/dedupfs/dedupfs/pkg/logging"
	"github.com/dedupfs/dedupfs/pkg/store"
)

var rootCommand = &cobra.Command{
	Use:          "dedupfs [<file>...]",
	Short:        "Finds and merges files sharing identical content",
	RunE:         run,
	SilenceUsage: true,
}

var configuration struct {
	// help indicates whether or not help information should be shown.
	help bool
	// dbFile is the path to the persistent fingerprint index.
	dbFile string
	// inputFile, if non-empty, is a text file of newline-separated seed
	// paths to read in addition to any positional arguments.
	inputFile string
	// recursive indicates whether directory seeds should be walked.
	recursive bool
	// updateExtents forces re-derivation of every known file's
	// extents-fingerprint, even if its modification time hasn't changed.
	updateExtents bool
	// dedupe runs the kernel-assisted extent-sharing phase after
	// reconciliation.
	dedupe bool
	// verbose enables debug-level logging.
	verbose bool
	// minSize is the minimum regular file size, in bytes, considered during
	// a recursive walk.
	minSize int64
	// version indicates whether version information should be shown.
	version bool
}

func init() {
	flags := rootCommand.Flags()
	flags.SortFlags = false

	flags.BoolVarP(&configuration.help, "help", "h", false, "Show help information")
	flags.StringVar(&configuration.dbFile, "db-file", "files.db", "Path to the persistent fingerprint index")
	flags.StringVar(&configuration.inputFile, "input", "", "Read newline-separated seed paths from a file")
	flags.BoolVar(&configuration.recursive, "recursive", false, "Recurse into directory seeds")
	flags.BoolVar(&configuration.updateExtents, "update-extents", false, "Re-derive extents-fingerprints even for unmodified files")
	flags.BoolVar(&configuration.dedupe, "dedupe", false, "Share extents between files with identical content")
	flags.BoolVar(&configuration.verbose, "verbose", false, "Enable debug-level logging")
	flags.Int64Var(&configuration.minSize, "min-size", fsgateway.DefaultMinSize, "Minimum file size, in bytes, considered during a recursive walk")
	flags.BoolVar(&configuration.version, "version", false, "Show version information")
}

// readSeedsFile reads newline-separated paths from path, skipping blank
// lines, matching the original implementation's readInput.
func readSeedsFile(path string) ([]string, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not load input file")
	}
	defer handle.Close()

	var seeds []string
	scanner := bufio.NewScanner(handle)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			seeds = append(seeds, line)
		}
	}
	return seeds, errors.Wrap(scanner.Err(), "error reading input file")
}

func run(command *cobra.Command, arguments []string) error {
	if configuration.help {
		return command.Help()
	}

	if configuration.version {
		fmt.Println(dedupfs.Version)
		return nil
	}

	dedupfs.SetDebug(configuration.verbose)

	seedSet := make(map[string]struct{}, len(arguments))
	for _, argument := range arguments {
		seedSet[argument] = struct{}{}
	}

	if configuration.inputFile != "" {
		fromFile, err := readSeedsFile(configuration.inputFile)
		if err != nil {
			return err
		}
		for _, seed := range fromFile {
			seedSet[seed] = struct{}{}
		}
	}

	if len(seedSet) == 0 {
		return errors.New("no files specified")
	}

	seeds := make([]string, 0, len(seedSet))
	for seed := range seedSet {
		seeds = append(seeds, seed)
	}

	persist, err := store.Open(configuration.dbFile)
	if err != nil {
		return errors.Wrap(err, "unable to open database")
	}

	logger := logging.RootLogger

	gateway := fsgateway.New(configuration.minSize)
	driver := engine.New(gateway, persist, logger)

	if err := runPhases(driver, seeds); err != nil {
		persist.Abort()
		return err
	}

	if err := persist.Close(); err != nil {
		return errors.Wrap(err, "unable to commit database")
	}

	return nil
}

func runPhases(driver *engine.Engine, seeds []string) error {
	if err := driver.Discover(seeds, configuration.recursive); err != nil {
		return err
	}
	if err := driver.Replay(); err != nil {
		return err
	}
	if err := driver.Refresh(configuration.updateExtents); err != nil {
		return err
	}
	if configuration.dedupe {
		summary := driver.Dedupe()
		fmt.Println(summary.String())
	}
	return nil
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
