package checksum

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Sum computes a content checksum over a document body. JSON encoding
// sorts map keys, so equal bodies always hash to the same value no
// matter which replica produced them.
func Sum(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	digest := blake2b.Sum256(raw)
	return hex.EncodeToString(digest[:])
}

// Verify reports whether a body matches its declared checksum. An empty
// declared checksum passes; documents written before checksums were
// enabled carry none.
func Verify(data map[string]any, declared string) bool {
	if declared == "" {
		return true
	}
	return Sum(data) == declared
}
