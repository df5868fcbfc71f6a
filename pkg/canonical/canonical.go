// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the digest helpers built on top of it. Canonical
// bytes are what gets persisted and hashed: two semantically equal
// values must serialize identically regardless of key order or
// whitespace in their source form.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v: keys
// sorted by UTF-8 bytes, no insignificant whitespace, no HTML escaping.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// String is Marshal with a string result.
func String(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash links an encoded operation onto a hash chain:
// sha256(prevHash ++ encoded), hex encoded. The first link of a chain
// uses an empty prevHash.
func ChainHash(prevHash, encoded string) string {
	return HashBytes([]byte(prevHash + encoded))
}
