package object

import (
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a hex-encoded object hash.
const HashSize = 64

// ZeroHash is the all-zero hash. It never names a stored object and is used
// as the hash component of placeholder package paths during relocation.
const ZeroHash Hash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashBytes computes the raw blake3-256 digest of data and returns it as a
// lowercase hex-encoded Hash.
func HashBytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashObject computes the digest of the envelope "tag len\0content". The tag
// separates object kinds (and blob modes) so that identical bytes stored as
// different kinds never share a hash.
func HashObject(tag string, data []byte) Hash {
	h := newEnvelopeHasher(tag, int64(len(data)))
	h.Write(data)
	return sumHex(h)
}

// HashBlob returns the hash a blob with the given content and mode is
// stored under.
func HashBlob(data []byte, mode BlobMode) Hash {
	return HashObject(mode.tag(), data)
}

func newEnvelopeHasher(tag string, size int64) hash.Hash {
	h := blake3.New()
	h.Write([]byte(tag))
	h.Write([]byte{' '})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	return h
}

func sumHex(h hash.Hash) Hash {
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// ParseHash validates s as a full-length lowercase hex hash.
func ParseHash(s string) (Hash, error) {
	if !isHexHashComponent(s, HashSize) {
		return "", fmt.Errorf("invalid object hash %q", s)
	}
	return Hash(s), nil
}

// Valid reports whether h is a well-formed hash.
func (h Hash) Valid() bool {
	return isHexHashComponent(string(h), HashSize)
}

// Short returns the first 12 characters of h for log and CLI output.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

func isHexHashComponent(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
