package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// APIKeyAuthenticator resolves presented API keys to their owning agent.
// Keys ride in "Authorization: Bearer ocp_…" or X-OCP-Api-Key.
type APIKeyAuthenticator struct {
	st *store.Store
}

func NewAPIKeyAuthenticator(st *store.Store) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{st: st}
}

// ExtractAPIKey pulls the raw key from the request, empty when absent.
func ExtractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if key := strings.TrimPrefix(h, "Bearer "); strings.HasPrefix(key, crypto.APIKeyPrefix) {
			return key
		}
	}
	return r.Header.Get(HeaderAPIKey)
}

// Authenticate validates the presented key and returns its row. The raw
// key is hashed before any store access; malformed keys never touch the
// database.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, raw string, now time.Time) (*store.APIKey, error) {
	if raw == "" {
		return nil, api.Auth(api.CodeUnauthorized, "An API key is required.")
	}
	if !crypto.ValidAPIKeyFormat(raw) {
		return nil, api.Auth(api.CodeUnauthorized, "API key is malformed.")
	}
	key, err := a.st.GetAPIKeyByHash(ctx, crypto.HashAPIKey(raw))
	if errors.Is(err, store.ErrNotFound) {
		return nil, api.Auth(api.CodeUnauthorized, "API key is not recognised.")
	}
	if err != nil {
		return nil, api.Internal(err)
	}
	if key.Revoked() {
		return nil, api.Auth(api.CodeUnauthorized, "API key has been revoked.")
	}
	// Advisory timestamp; a write failure must not fail the read.
	_ = a.st.TouchAPIKey(ctx, key.KeyID, now)
	return key, nil
}
