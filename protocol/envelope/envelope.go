// Package envelope canonicalizes and HMAC-signs the small JSON payloads
// exchanged on the gateway's admin surface and between discovery
// advertisers/clients (spec.md §6.3). Canonicalization is sort-keys-then
// -marshal, matching the deterministic digest the teacher computes over
// event JSON before hashing it.
package envelope

import (
	"bytes"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/minio/sha256-simd"
)

// Canonical produces the deterministic JSON encoding of v: object keys
// sorted, no insignificant whitespace. v must round-trip through
// encoding/json (a map, struct, or anything json.Marshal accepts).
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	var generic any
	if err = json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err = writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err = writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Digest returns the sha256 digest of the canonical encoding of v,
// computed with the SIMD-accelerated implementation the teacher uses
// for its own payload/event digests.
func Digest(v any) ([]byte, error) {
	canon, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// Sign computes an HMAC-SHA256 over the canonical encoding of payload
// using secret.
func Sign(payload any, secret []byte) ([]byte, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	return mac.Sum(nil), nil
}

// Verify reports whether sig is a valid HMAC-SHA256 over payload's
// canonical encoding under secret, in constant time.
func Verify(payload any, secret, sig []byte) (bool, error) {
	want, err := Sign(payload, secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, sig) == 1, nil
}
