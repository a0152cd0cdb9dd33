package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Digest computes the SHA256 content hash of raw data, hex-encoded.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestString computes the content hash of a string payload.
func DigestString(s string) string {
	return Digest([]byte(s))
}

// InputsDigest computes a digest over a set of named artifact digests.
// The result is independent of binding order: pairs are sorted by name
// before hashing, so replays see the same inputs digest.
func InputsDigest(bindings map[string]string) string {
	pairs := make([]string, 0, len(bindings))
	for name, digest := range bindings {
		pairs = append(pairs, name+"="+digest)
	}
	sort.Strings(pairs)
	return DigestString(strings.Join(pairs, "\n"))
}
