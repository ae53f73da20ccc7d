// Package fileid provides deterministic keys for ingested transcript files.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const prefix = "source:"

// SourceKey returns a stable key for the given path, used to track which
// transcript files have been ingested. Same cleaned path always yields the same key.
func SourceKey(path string) string {
	normalized := filepath.Clean(path)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:16])
}

// Fingerprint identifies one version of a file by modification time and size.
func Fingerprint(modUnixNano, size int64) string {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(modUnixNano >> (8 * i))
		buf[8+i] = byte(size >> (8 * i))
	}
	return hex.EncodeToString(buf[:])
}
