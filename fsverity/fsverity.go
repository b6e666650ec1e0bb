// Package fsverity holds the digest value type used to identify
// external file content. The builder never hashes anything itself; a
// digest is an opaque 256-bit name for a blob in the content store.
package fsverity

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/xerrors"
)

// DigestSize is the size of a digest in bytes (SHA-256).
const DigestSize = 32

// ErrInvalidHex is returned when a digest string is not exactly 64
// lowercase hex characters.
var ErrInvalidHex = xerrors.New("invalid hex digest")

// Digest is a fixed 256-bit content digest. The zero value is valid
// (all zero bytes). Digests are ordered by byte-lexicographic
// comparison.
type Digest [DigestSize]byte

// FromHex parses a 64-character lowercase hex string.
func FromHex(s string) (Digest, error) {
	var d Digest
	if len(s) != 2*DigestSize {
		return d, xerrors.Errorf("digest %q: got %d characters, want %d: %w", s, len(s), 2*DigestSize, ErrInvalidHex)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return d, xerrors.Errorf("digest %q: byte %d: %w", s, i, ErrInvalidHex)
		}
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, xerrors.Errorf("digest %q: %v: %w", s, err, ErrInvalidHex)
	}
	return d, nil
}

// Hex returns the lowercase hex form.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ObjectPathname returns the path of the backing object relative to a
// content store root, with the first byte split off as the fan-out
// directory ("ab/cdef…").
func (d Digest) ObjectPathname() string {
	h := d.Hex()
	return h[:2] + "/" + h[2:]
}

// Compare orders two digests bytewise like bytes.Compare.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}
