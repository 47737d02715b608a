package peer

import (
	"encoding/hex"
	"fmt"
)

// KeyLen is the byte length of a PeerKey.
const KeyLen = 32

// Key is a 32-byte peer public key. Its canonical string form is lowercase
// hex, as spec.md §3 requires.
type Key [KeyLen]byte

// String returns the canonical lowercase-hex form.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// ParseKey decodes a lowercase-hex peer key.
func ParseKey(s string) (k Key, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("peer: bad key hex: %w", err)
	}
	if len(b) != KeyLen {
		return k, fmt.Errorf("peer: key must be %d bytes, got %d", KeyLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// IsZero reports whether k is the zero key (never a valid identity).
func (k Key) IsZero() bool { return k == Key{} }
