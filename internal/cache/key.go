package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key derives the deterministic cache key for a text segment synthesized in
// the given language at the given speed. Identical inputs always produce the
// identical key; the key is used both for lookups and as the on-disk
// filename stem.
func Key(text, language string, speed float64) string {
	// Speed is normalized to two decimals so 1.5 and 1.50 share an entry.
	input := fmt.Sprintf("%s|%s|%.2f", text, language, speed)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
