//go:build linux

package fsgateway

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dedupfs/dedupfs/pkg/ferror"
)

// Raw kernel structs for the FIDEDUPERANGE ioctl (linux/fs.h). As with the
// FIEMAP structs, the layout must match the kernel's definitions exactly.
type fileDedupeRangeInfo struct {
	destFd       int64
	destOffset   uint64
	bytesDeduped uint64
	status       int32
	reserved     uint32
}

type fileDedupeRange struct {
	srcOffset uint64
	srcLength uint64
	destCount uint16
	reserved1 uint16
	reserved2 uint32
}

const (
	fideDupeRange   = 0xC0189436
	dedupeRangeSame = 0
	dedupeMaxSize   = 16 * 1024 * 1024

	fileDedupeRangeHeaderSize = 24 // sizeof(fileDedupeRange) without the flex array
	fileDedupeRangeInfoSize   = 32 // sizeof(fileDedupeRangeInfo)
)

// maxDestsPerCall returns how many file_dedupe_range_info records fit in the
// gateway's scratch buffer after the fixed header, mirroring the original
// implementation's DEDUPE_MAX_DSTS computation.
func (g *Gateway) maxDestsPerCall() int {
	return (len(g.scratch) - fileDedupeRangeHeaderSize) / fileDedupeRangeInfoSize
}

// openDest pairs a destination path with its open read-only fd for the
// duration of one Dedupe call.
type openDest struct {
	path string
	fd   int
}

// Dedupe instructs the kernel to share the physical extents of destPaths
// with srcPath wherever their contents are already byte-identical, via the
// FIDEDUPERANGE ioctl, per spec.md 4.2. It chunks the file in dedupeMaxSize
// increments and batches destinations maxDestsPerCall at a time, matching
// the original implementation's two-dimensional loop. A destination that
// fails to open is recorded as a failure without aborting the remaining
// destinations. Per-destination status is read back after each ioctl call;
// a "differs" status is recorded as "Files differ" and any other non-zero
// status as "Unknown error", each only for its first occurrence. The first I/O error
// encountered while issuing the ioctl itself (as opposed to a per-destination
// status) is captured and returned once batching completes, rather than
// raised at the point it occurs, so that later destinations are not silently
// skipped by an early return.
func (g *Gateway) Dedupe(srcPath string, destPaths []string, size int64) (map[string]string, error) {
	failures := make(map[string]string)

	srcFd, err := unix.Open(srcPath, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NOATIME, 0)
	if err != nil {
		return nil, classifyOpenErr(srcPath, err)
	}
	defer unix.Close(srcFd)

	var dests []openDest
	for _, path := range destPaths {
		fd, openErr := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NOATIME, 0)
		if openErr != nil {
			failures[path] = classifyOpenErr(path, openErr).Error()
			continue
		}
		dests = append(dests, openDest{path: path, fd: fd})
	}
	defer func() {
		for _, d := range dests {
			unix.Close(d.fd)
		}
	}()

	if len(dests) == 0 {
		return failures, nil
	}

	maxDests := g.maxDestsPerCall()
	var pendingErr error

	for offset := int64(0); offset < size; {
		chunk := int64(dedupeMaxSize)
		if offset+chunk > size {
			chunk = size - offset
		}

		for batchStart := 0; batchStart < len(dests); batchStart += maxDests {
			batchEnd := batchStart + maxDests
			if batchEnd > len(dests) {
				batchEnd = len(dests)
			}
			batch := dests[batchStart:batchEnd]

			g.layoutDedupeRequest(uint64(offset), uint64(chunk), batch)

			if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(srcFd), uintptr(fideDupeRange), uintptr(unsafe.Pointer(&g.scratch[0]))); errno != 0 {
				if pendingErr == nil {
					pendingErr = ferror.WrapErrno(int(errno), errno, "FIDEDUPERANGE ioctl failed: "+srcPath)
				}
				for _, d := range batch {
					if _, failed := failures[d.path]; !failed {
						failures[d.path] = "Unknown error"
					}
				}
				continue
			}

			g.readDedupeResults(batch, failures)
		}

		offset += chunk
	}

	return failures, pendingErr
}

// layoutDedupeRequest writes the fixed header and per-destination info
// records for one ioctl call directly into the gateway's scratch buffer.
func (g *Gateway) layoutDedupeRequest(offset, length uint64, batch []openDest) {
	header := (*fileDedupeRange)(unsafe.Pointer(&g.scratch[0]))
	*header = fileDedupeRange{
		srcOffset: offset,
		srcLength: length,
		destCount: uint16(len(batch)),
	}

	for i, d := range batch {
		infoPtr := unsafe.Pointer(uintptr(unsafe.Pointer(&g.scratch[0])) + uintptr(fileDedupeRangeHeaderSize) + uintptr(i)*uintptr(fileDedupeRangeInfoSize))
		info := (*fileDedupeRangeInfo)(infoPtr)
		*info = fileDedupeRangeInfo{
			destFd:     int64(d.fd),
			destOffset: offset,
		}
	}
}

// readDedupeResults reads the per-destination status written back into the
// scratch buffer by the most recent ioctl call and records failures.
func (g *Gateway) readDedupeResults(batch []openDest, failures map[string]string) {
	for i, d := range batch {
		infoPtr := unsafe.Pointer(uintptr(unsafe.Pointer(&g.scratch[0])) + uintptr(fileDedupeRangeHeaderSize) + uintptr(i)*uintptr(fileDedupeRangeInfoSize))
		info := (*fileDedupeRangeInfo)(infoPtr)

		if _, failed := failures[d.path]; failed {
			continue
		}

		switch {
		case info.status == dedupeRangeSame:
			// Deduped (or already sharing extents); no failure to record.
		case info.status > 0:
			failures[d.path] = "Files differ"
		default:
			failures[d.path] = "Unknown error"
		}
	}
}
