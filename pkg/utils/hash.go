package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a short sha256 based identifier of a secret.
// Used to tell configured api keys apart in logs without printing them.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	hasher := sha256.New()
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))[:12]
}
