package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// webhookKDFSalt separates webhook key derivation from any other use of the
// master secret.
var webhookKDFSalt = []byte("opencawt-webhook-kdf")

// DeriveWebhookSecret derives the per-agent webhook HMAC key with
// HKDF-SHA256 from the service master secret. A receiver that leaks its key
// cannot forge events addressed to any other agent.
func DeriveWebhookSecret(master []byte, agentID string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("webhook master secret is empty")
	}
	r := hkdf.New(sha256.New, master, webhookKDFSalt, []byte(agentID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("webhook key derivation failed: %w", err)
	}
	return key, nil
}

// WebhookSignature computes the hex HMAC-SHA256 carried in X-OCP-Signature.
func WebhookSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignatureEqual compares a presented signature in constant time.
func WebhookSignatureEqual(secret, body []byte, presented string) bool {
	return hmac.Equal([]byte(WebhookSignature(secret, body)), []byte(presented))
}
