package checkpoint

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a keyed BLAKE3 digest.
type Hash [32]byte

type domainKey [32]byte

// Domain keys keep blob, tree and commit digests from colliding even when
// their inputs are byte-identical.
var (
	blobDomainKey = domainKey{
		'p', 'a', 't', 'c', 'h', 'w', 'o', 'r', 'k', '.', 'c', 'h', 'e', 'c', 'k', 'p',
		'o', 'i', 'n', 't', '.', 'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0,
	}
	treeDomainKey = domainKey{
		'p', 'a', 't', 'c', 'h', 'w', 'o', 'r', 'k', '.', 'c', 'h', 'e', 'c', 'k', 'p',
		'o', 'i', 'n', 't', '.', 't', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0,
	}
	commitDomainKey = domainKey{
		'p', 'a', 't', 'c', 'h', 'w', 'o', 'r', 'k', '.', 'c', 'h', 'e', 'c', 'k', 'p',
		'o', 'i', 'n', 't', '.', 'c', 'o', 'm', 'm', 'i', 't', 0, 0, 0, 0, 0,
	}
)

func hashBlob(data []byte) Hash {
	return keyedHash(blobDomainKey, data)
}

func hashTree(encoded []byte) Hash {
	return keyedHash(treeDomainKey, encoded)
}

func hashCommit(encoded []byte) Hash {
	return keyedHash(commitDomainKey, encoded)
}

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("checkpoint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a full 64-character hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
