// Package auth authenticates requests: Ed25519 request signatures for
// mutations, bearer API keys for reads, admin session tokens, and the
// per-IP limiter that throttles repeated authentication failures.
package auth

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
)

// Request headers of the signed-mutation scheme.
const (
	HeaderAgentID          = "X-OCP-Agent-Id"
	HeaderTimestamp        = "X-OCP-Timestamp"
	HeaderNonce            = "X-OCP-Nonce"
	HeaderBodyHash         = "X-OCP-Body-Sha256"
	HeaderSignature        = "X-OCP-Signature"
	HeaderSignatureVersion = "X-OCP-Signature-Version"
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderAPIKey           = "X-OCP-Api-Key"
)

// Scheme names a signing-string format.
type Scheme string

const (
	SchemeV1     Scheme = "v1"
	SchemeLegacy Scheme = "legacy"
)

var noncePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// SignedRequest is the identity a verified signature proves.
type SignedRequest struct {
	AgentID   string
	Timestamp time.Time
	Nonce     string
	BodyHash  string
	Scheme    Scheme
}

// RequestVerifier checks signed mutations. The factory keeps both signing
// schemes behind one entry point; legacy is accepted only on paths the
// allowLegacy predicate admits.
type RequestVerifier struct {
	window      time.Duration
	allowLegacy func(path string) bool
}

// NewRequestVerifier builds a verifier with the given timestamp window.
// A nil allowLegacy disables the legacy scheme entirely.
func NewRequestVerifier(window time.Duration, allowLegacy func(string) bool) *RequestVerifier {
	if window <= 0 {
		window = 300 * time.Second
	}
	if allowLegacy == nil {
		allowLegacy = func(string) bool { return false }
	}
	return &RequestVerifier{window: window, allowLegacy: allowLegacy}
}

// Verify authenticates one mutation. It checks header presence, the
// timestamp window, the body hash and finally the Ed25519 signature; the
// first failure wins. Nonce uniqueness is the store's job, not ours.
func (v *RequestVerifier) Verify(method, path string, h http.Header, body []byte, now time.Time) (*SignedRequest, error) {
	agentID := h.Get(HeaderAgentID)
	sig := h.Get(HeaderSignature)
	tsRaw := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	bodyHash := h.Get(HeaderBodyHash)

	if agentID == "" || sig == "" || tsRaw == "" {
		return nil, api.Auth(api.CodeSignatureInvalid, "Request is missing signature headers.")
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, api.Input(api.CodeInvalidRequest, "X-OCP-Timestamp must be a unix timestamp in seconds.")
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(v.window.Seconds()) {
		return nil, api.Auth(api.CodeTimestampExpired, "Request timestamp is outside the accepted window.")
	}

	scheme := SchemeV1
	switch h.Get(HeaderSignatureVersion) {
	case "", "v1":
	case "legacy":
		if !v.allowLegacy(path) {
			return nil, api.Auth(api.CodeSignatureInvalid, "Legacy signatures are not accepted on this path.")
		}
		scheme = SchemeLegacy
	default:
		return nil, api.Auth(api.CodeSignatureInvalid, "Unknown signature version.")
	}

	computedHash := canonicalize.HashBytes(body)
	var signingString string
	switch scheme {
	case SchemeV1:
		if !noncePattern.MatchString(nonce) {
			return nil, api.Input(api.CodeInvalidRequest, "X-OCP-Nonce must be 8-128 characters of [A-Za-z0-9_-].")
		}
		if bodyHash == "" || bodyHash != computedHash {
			return nil, api.Auth(api.CodeBodyHashMismatch, "X-OCP-Body-Sha256 does not match the request body.")
		}
		signingString = crypto.SigningStringV1(method, path, ts, nonce, bodyHash)
	case SchemeLegacy:
		// The legacy scheme has no nonce; the payload hash rides in the
		// same header slot.
		if bodyHash == "" || bodyHash != computedHash {
			return nil, api.Auth(api.CodeBodyHashMismatch, "X-OCP-Body-Sha256 does not match the request body.")
		}
		signingString = crypto.SigningStringLegacy(method, path, ts, bodyHash)
	}

	if !crypto.VerifyDigest(agentID, sig, crypto.Digest(signingString)) {
		return nil, api.Auth(api.CodeSignatureInvalid, "Request signature verification failed.")
	}

	return &SignedRequest{
		AgentID:   agentID,
		Timestamp: time.Unix(ts, 0).UTC(),
		Nonce:     nonce,
		BodyHash:  computedHash,
		Scheme:    scheme,
	}, nil
}

// Window exposes the configured timestamp window; the nonce expiry reuses
// it so a replayed pair dies with its timestamp.
func (v *RequestVerifier) Window() time.Duration { return v.window }
