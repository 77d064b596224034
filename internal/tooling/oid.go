package tooling

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
)

// OIDLen is the length of an object id in bytes.
const OIDLen = 32

// ObjectID identifies an object by the SHA-256 of its uncompressed
// payload. Compared byte-wise, surfaced to humans as lowercase hex.
type ObjectID [OIDLen]byte

// NewObjectID hashes a payload into its object id.
func NewObjectID(payload []byte) ObjectID {
	return ObjectID(sha256.Sum256(payload))
}

// HashReader hashes a stream into an object id.
func HashReader(r io.Reader) (ObjectID, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return ObjectID{}, fmt.Errorf("hashing stream: %w", err)
	}
	var oid ObjectID
	copy(oid[:], h.Sum(nil))
	return oid, nil
}

// ParseObjectID decodes a lowercase hex object id.
func ParseObjectID(s string) (ObjectID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ObjectID{}, fmt.Errorf("decoding object id %q: %w: %v", s, ErrInvalidInput, err)
	}
	if len(raw) != OIDLen {
		return ObjectID{}, fmt.Errorf("object id %q has %d bytes, want %d: %w", s, len(raw), OIDLen, ErrInvalidInput)
	}
	var oid ObjectID
	copy(oid[:], raw)
	return oid, nil
}

func (o ObjectID) String() string {
	return hex.EncodeToString(o[:])
}

// Path returns the sharded store-relative path for this id:
// "ab/abcdef...". The fan-out uses the first hex byte, matching the
// on-disk layout promise that the scheme is deterministic and stable.
func (o ObjectID) Path() string {
	s := o.String()
	return filepath.Join(s[:2], s)
}
