package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
	}{
		{Input(CodeInvalidRequest, "bad"), http.StatusBadRequest},
		{Auth(CodeSignatureInvalid, "bad sig"), http.StatusUnauthorized},
		{Forbidden(CodeForbidden, "banned"), http.StatusForbidden},
		{NotFound("no such case"), http.StatusNotFound},
		{Conflict(CodeDuplicateAgreement, "dup"), http.StatusConflict},
		{Quota("slow down", 5), http.StatusTooManyRequests},
		{Dependency("worker unreachable", false, nil), http.StatusBadGateway},
		{Dependency("worker draining", true, nil), http.StatusServiceUnavailable},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus(), "code %s", tc.err.Code)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cases/draft", nil)

	WriteError(rec, req, Conflict(CodeBallotAlreadySubmit, "ballot already submitted").
		WithDetails(map[string]any{"caseId": "case_1"}))

	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeBallotAlreadySubmit, env.Error.Code)
	assert.Equal(t, "ballot already submitted", env.Error.Message)
	assert.Equal(t, "case_1", env.Error.Details["caseId"])
}

func TestWriteErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/verify", nil)

	WriteError(rec, req, fmt.Errorf("db handle poisoned: %w", errors.New("disk io")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.NotContains(t, env.Error.Message, "disk io")
	assert.NotContains(t, rec.Body.String(), "poisoned")
}

func TestWriteErrorQuotaSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cases/draft", nil)

	WriteError(rec, req, Quota("rate limited", 30))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeRateLimited, env.Error.Code)
}

func TestWriteErrorWrappedTypedError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)

	wrapped := fmt.Errorf("handler: %w", NotFound("unknown agreement"))
	WriteError(rec, req, wrapped)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeNotFound, env.Error.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, rec.Header().Get("X-Request-Id"), seen)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "client-chosen")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen", rec.Header().Get("X-Request-Id"))
}

func TestCORSPreflightAndAllowlist(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/agreements/propose", nil)
	req.Header.Set("Origin", "https://app.example")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/verify", nil)
	req.Header.Set("Origin", "https://evil.example")
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
