// Package fingerprint provides the fixed-width digest value type shared by
// the two fingerprint roles used throughout dedupfs: the extents-fingerprint
// (computed over a file's extent-descriptor array) and the data-fingerprint
// (computed over a file's byte content). Both share this type because the
// central optimization of the engine depends on it: two files with
// bit-identical extents-fingerprints already share physical storage, so the
// cheap extents-fingerprint can be used to look up an existing
// data-fingerprint without re-reading file bytes.
package fingerprint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/dedupfs/dedupfs/pkg/ferror"
)

// Length is the fixed width, in bytes, of a Fingerprint.
const Length = 8

// chunkSize is the size of the buffer used to stream file content into the
// digest function, per spec.md 4.1.
const chunkSize = 4 * 1024 * 1024

// Fingerprint is an opaque fixed-width digest value. It supports equality,
// a total byte-lexicographic order, and a canonical hex text form.
type Fingerprint [Length]byte

// Zero is the zero-valued Fingerprint, never a valid digest of real content
// but useful as a sentinel.
var Zero Fingerprint

// Equal reports whether two fingerprints are identical.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f == other
}

// Compare returns -1, 0, or 1 according to the total byte-lexicographic
// order of f and other.
func (f Fingerprint) Compare(other Fingerprint) int {
	return bytes.Compare(f[:], other[:])
}

// Less reports whether f sorts before other in the total byte-lexicographic
// order.
func (f Fingerprint) Less(other Fingerprint) bool {
	return f.Compare(other) < 0
}

// ToHex renders the fingerprint as lowercase hex of length 2*Length.
func (f Fingerprint) ToHex() string {
	return hex.EncodeToString(f[:])
}

// String implements fmt.Stringer via the canonical hex form.
func (f Fingerprint) String() string {
	return f.ToHex()
}

// CanonicalBytes returns the fingerprint's canonical fixed-width byte
// representation, suitable for persistent storage.
func (f Fingerprint) CanonicalBytes() []byte {
	out := make([]byte, Length)
	copy(out, f[:])
	return out
}

// FromCanonicalBytes reconstructs a Fingerprint from its canonical
// fixed-width byte representation. It fails if b is not exactly Length
// bytes long.
func FromCanonicalBytes(b []byte) (Fingerprint, error) {
	var f Fingerprint
	if len(b) != Length {
		return f, errors.Errorf("invalid fingerprint length: %d", len(b))
	}
	copy(f[:], b)
	return f, nil
}

// newDigest returns the hash.Hash implementation used for both fingerprint
// roles. It folds a 64-bit FNV-1a-class accumulator, which is sufficient
// collision resistance for the non-adversarial inputs this engine handles
// (see spec.md 1, "Non-goals: cryptographic integrity guarantees").
func newDigest() hash.Hash {
	return newFoldedFNV()
}

// DigestOfBytes computes a Fingerprint over an in-memory byte slice.
func DigestOfBytes(data []byte) Fingerprint {
	d := newDigest()
	d.Write(data)
	var f Fingerprint
	copy(f[:], d.Sum(nil))
	return f
}

// DigestOfFile computes a Fingerprint by streaming a file's content through
// the digest function in fixed-size chunks, per spec.md 4.1. It fails with
// a NotFound-kind *ferror.Error if the file does not exist, and with an
// IoError-kind *ferror.Error if it otherwise cannot be opened or read to EOF.
func DigestOfFile(path string) (Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, classifyOpenError(path, err)
	}
	defer file.Close()

	d := newDigest()
	buffer := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(d, file, buffer); err != nil {
		return Fingerprint{}, ferror.WrapErrno(0, err, "unable to read file to EOF: "+path)
	}

	var f Fingerprint
	copy(f[:], d.Sum(nil))
	return f, nil
}

// DigestOfExtents computes the extents-fingerprint over the wire format
// described in spec.md 6: the contiguous concatenation of
// (logical, physical, length) u64-little-endian triples, in kernel-returned
// order, with inline-data extents already excluded by the caller.
func DigestOfExtents(logical, physical, length []uint64) Fingerprint {
	buf := make([]byte, 0, len(logical)*24)
	var scratch [8]byte
	for i := range logical {
		binary.LittleEndian.PutUint64(scratch[:], logical[i])
		buf = append(buf, scratch[:]...)
		binary.LittleEndian.PutUint64(scratch[:], physical[i])
		buf = append(buf, scratch[:]...)
		binary.LittleEndian.PutUint64(scratch[:], length[i])
		buf = append(buf, scratch[:]...)
	}
	return DigestOfBytes(buf)
}

func classifyOpenError(path string, err error) error {
	if os.IsNotExist(err) {
		return ferror.Wrap(ferror.NotFound, err, "file not found: "+path)
	}
	return ferror.WrapErrno(0, err, "unable to open file: "+path)
}
