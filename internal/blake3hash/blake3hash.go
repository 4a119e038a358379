// Package blake3hash wraps github.com/zeebo/blake3 for CXDB's content hash
// (spec §3 "Content Hash (H)"): the 32-byte BLAKE3-256 digest of a blob's
// uncompressed bytes, used as the primary key of the Blob Store and the
// integrity witness carried by every Turn.
//
// Grounded on the upstream CXDB Go client (clients/go/turn.go,
// clients/go/fs.go), which hashes payloads with blake3.Sum256 from this
// exact module before sending PUT_BLOB / APPEND_TURN frames.
package blake3hash

import "github.com/zeebo/blake3"

// Size is the digest length in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3-256 digest.
type Hash [Size]byte

// Zero is the all-zero hash. It is a legal value on the wire (used in the
// spec's S3 scenario as a hash that can never match real content) but is
// never produced by Sum.
var Zero Hash

// Sum returns the BLAKE3-256 digest of b.
func Sum(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// Verify reports whether b hashes to h.
func Verify(h Hash, b []byte) bool {
	return Sum(b) == h
}

// String renders the hash as lowercase hex, for logs and error messages.
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, Size*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}
