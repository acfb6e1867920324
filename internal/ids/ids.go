// Package ids implements the host's identifier validation and the
// deterministic tree hash signed packages are verified against.
package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/nbot-dev/nbot/internal/hosterr"
)

const maxIDLength = 64

// Validate rejects empty, oversize, or out-of-class plugin ids. The
// character class is [A-Za-z0-9_.-].
func Validate(id string) error {
	if len(id) == 0 || len(id) > maxIDLength {
		return hosterr.New(hosterr.InvalidId, "id must be 1-64 characters")
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return hosterr.New(hosterr.InvalidId, "id contains a disallowed character")
		}
	}
	return nil
}

// File is one regular file entry a package contributes to the tree hash.
type File struct {
	Path  string // relative path, '/' separated
	Bytes []byte
}

// TreeHash computes the deterministic SHA-256 digest over files, which must
// already exclude manifest.json. Entries are hashed in sorted path order so
// the result is stable under arbitrary archive member ordering:
//
//	for each entry (sorted by path, byte-wise lexicographic):
//	  path bytes, '\n', 8-byte big-endian file length, '\n', file bytes, '\n'
func TreeHash(files []File) [32]byte {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	var lenBuf [8]byte
	for _, f := range sorted {
		h.Write([]byte(f.Path))
		h.Write([]byte{'\n'})
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f.Bytes)))
		h.Write(lenBuf[:])
		h.Write([]byte{'\n'})
		h.Write(f.Bytes)
		h.Write([]byte{'\n'})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
