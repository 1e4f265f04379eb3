package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
)

const adminIssuer = "opencawt"

// AdminSessions mints and verifies the short-lived operator tokens issued
// by the admin login endpoint. Login is a constant-time comparison against
// the shared admin key; sessions are HS256 JWTs.
type AdminSessions struct {
	adminKey  []byte
	jwtSecret []byte
	ttl       time.Duration
}

// NewAdminSessions requires both secrets; deployments without an admin key
// simply never construct one.
func NewAdminSessions(adminKey, jwtSecret string, ttl time.Duration) (*AdminSessions, error) {
	if adminKey == "" {
		return nil, fmt.Errorf("admin sessions: admin key is empty")
	}
	if jwtSecret == "" {
		return nil, fmt.Errorf("admin sessions: jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &AdminSessions{
		adminKey:  []byte(adminKey),
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
	}, nil
}

// Login exchanges the admin key for a session token.
func (s *AdminSessions) Login(presentedKey string, now time.Time) (string, time.Time, error) {
	if subtle.ConstantTimeCompare([]byte(presentedKey), s.adminKey) != 1 {
		return "", time.Time{}, api.Auth(api.CodeUnauthorized, "Admin key is not recognised.")
	}
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    adminIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, api.Internal(fmt.Errorf("sign admin session: %w", err))
	}
	return token, expiresAt, nil
}

// Verify checks a presented session token.
func (s *AdminSessions) Verify(tokenString string, now time.Time) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		return api.Auth(api.CodeUnauthorized, "Admin session is invalid or expired.")
	}
	return nil
}

// ExtractBearer returns the bare bearer token from Authorization, skipping
// API keys which carry their own prefix.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
