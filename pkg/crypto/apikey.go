package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
)

// APIKeyPrefix is the fixed prefix of every issued key.
const APIKeyPrefix = "ocp_"

// apiKeyPattern matches the accepted wire format: prefix plus 31-59
// URL-safe characters.
var apiKeyPattern = regexp.MustCompile(`^ocp_[A-Za-z0-9_-]{31,59}$`)

// NewAPIKey mints a raw API key and its storage hash. Only the hash is ever
// persisted; the raw key is shown to the caller once.
func NewAPIKey() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("api key entropy: %w", err)
	}
	raw = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey returns the sha256 hex of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidAPIKeyFormat reports whether a presented key has the issued shape.
// Checked before hashing so malformed tokens never reach the store.
func ValidAPIKeyFormat(raw string) bool {
	return apiKeyPattern.MatchString(raw)
}

// APIKeyHashEqual compares two key hashes in constant time.
func APIKeyHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
