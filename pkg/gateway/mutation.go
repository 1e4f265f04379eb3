package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/audit"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/auth"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/policy"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// mutation is the verified context a handler runs in. agentID is always the
// proven signer; agent is nil only during registration.
type mutation struct {
	agentID string
	agent   *court.Agent
	kase    *court.Case
	body    []byte
	now     time.Time
}

// mutationSpec drives the shared pipeline for one route.
type mutationSpec struct {
	// schema names the request schema; empty skips validation.
	schema string
	// action names the policy-gate action; empty skips the gate.
	action string
	// caseFromPath loads the case named by {id} before the gate runs.
	caseFromPath bool
	// allowNewAgent admits a signer with no agent row (registration).
	allowNewAgent bool

	handle func(ctx context.Context, m *mutation) (int, any, error)
}

// mutate runs the signed-mutation pipeline. Stages, in order: IP failed-auth
// limiter, signature verification, agent load, nonce consumption, idempotency
// claim, schema validation, policy gate, per-agent action limiter, handler.
// Any error after the claim releases it so a genuine retry can proceed.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, spec mutationSpec) {
	ctx := r.Context()
	now := s.now().UTC()
	ip := clientIP(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.reject(w, r, "", api.Input(api.CodeInvalidRequest, "Request body could not be read."))
		return
	}
	if len(body) > maxBodyBytes {
		s.reject(w, r, "", api.Input(api.CodeInvalidRequest, "Request body exceeds the 1 MiB limit."))
		return
	}

	allowed, err := s.authLimit.Allow(ctx, ip)
	if err != nil {
		s.logger.Warn("failed-auth limiter unavailable", "error", err)
		allowed = true
	}
	if !allowed {
		if s.obs != nil {
			s.obs.RecordRateLimitHit(ctx, "failed_auth")
		}
		s.reject(w, r, "", api.Quota("Too many failed authentication attempts from this address.", 60))
		return
	}

	signed, err := s.verifier.Verify(r.Method, r.URL.Path, r.Header, body, now)
	if err != nil {
		s.recordAuthFailure(ctx, ip, err)
		s.reject(w, r, "", err)
		return
	}

	m := &mutation{agentID: signed.AgentID, body: body, now: now}
	m.agent, err = s.st.GetAgent(ctx, signed.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		if !spec.allowNewAgent {
			s.recordAuthFailure(ctx, ip, err)
			s.reject(w, r, signed.AgentID, api.Auth(api.CodeUnauthorized, "Agent is not registered."))
			return
		}
		m.agent = nil
	} else if err != nil {
		s.reject(w, r, signed.AgentID, api.Internal(err))
		return
	}

	nonceExpiry := signed.Timestamp.Add(s.verifier.Window())
	if err := s.st.ConsumeNonce(ctx, signed.AgentID, signed.Nonce, nonceExpiry, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.recordAuthFailure(ctx, ip, err)
			s.reject(w, r, signed.AgentID, api.Auth(api.CodeNonceReused, "Nonce has already been used."))
			return
		}
		s.reject(w, r, signed.AgentID, api.Internal(err))
		return
	}

	idemKey := r.Header.Get(auth.HeaderIdempotencyKey)
	if len(idemKey) > 255 {
		s.reject(w, r, signed.AgentID, api.Input(api.CodeInvalidRequest, "Idempotency-Key exceeds 255 characters."))
		return
	}
	if idemKey != "" {
		replayed, err := s.claimIdempotency(ctx, signed, r, idemKey, now)
		if err != nil {
			s.reject(w, r, signed.AgentID, err)
			return
		}
		if replayed != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(replayed.ResponseStatus)
			_, _ = w.Write([]byte(replayed.ResponsePayload))
			s.record(ctx, r, signed.AgentID, audit.OutcomeAccepted, "replay", ip)
			return
		}
	}
	release := func() {
		if idemKey != "" {
			_ = s.st.ReleaseIdempotency(ctx, signed.AgentID, r.Method, r.URL.Path, idemKey)
		}
	}
	// net/http recovers handler panics per request; release the claim first
	// so a genuine retry is not locked out until the TTL expires.
	defer func() {
		if p := recover(); p != nil {
			release()
			panic(p)
		}
	}()

	status, payload, err := s.runMutation(ctx, r, spec, m)
	if err != nil {
		release()
		s.reject(w, r, signed.AgentID, err)
		return
	}

	out, err := json.Marshal(payload)
	if err != nil {
		release()
		s.reject(w, r, signed.AgentID, api.Internal(err))
		return
	}
	if idemKey != "" {
		if err := s.st.CompleteIdempotency(ctx, signed.AgentID, r.Method, r.URL.Path, idemKey, status, string(out)); err != nil {
			s.logger.Warn("idempotency completion failed", "agentId", signed.AgentID, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(out)
	s.record(ctx, r, signed.AgentID, audit.OutcomeAccepted, "", ip)
}

// runMutation applies the post-claim checks and the handler.
func (s *Server) runMutation(ctx context.Context, r *http.Request, spec mutationSpec, m *mutation) (int, any, error) {
	if spec.schema != "" {
		if err := s.schemas.Validate(spec.schema, m.body); err != nil {
			return 0, nil, err
		}
	}
	if spec.caseFromPath {
		c, err := s.st.GetCase(ctx, r.PathValue("id"))
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, api.NotFound("Case not found.")
		}
		if err != nil {
			return 0, nil, api.Internal(err)
		}
		m.kase = c
	}
	if spec.action != "" {
		if err := s.gate.Authorize(ctx, policy.Input{Agent: m.agent, Action: spec.action, Case: m.kase}); err != nil {
			return 0, nil, err
		}
	}
	if m.agent != nil && !s.actions.allow(m.agent.AgentID) {
		if s.obs != nil {
			s.obs.RecordRateLimitHit(ctx, "actions")
		}
		return 0, nil, api.Quota("Action rate limit exceeded.", 60)
	}
	return spec.handle(ctx, m)
}

// claimIdempotency claims the slot or resolves a replay. A non-nil record
// means a completed identical request whose response should be replayed.
func (s *Server) claimIdempotency(ctx context.Context, signed *auth.SignedRequest, r *http.Request, key string, now time.Time) (*store.IdempotencyRecord, error) {
	ttl := time.Duration(s.cfg.Profile.Gateway.IdempotencyTTLHours) * time.Hour
	existing, err := s.st.ClaimIdempotency(ctx, &store.IdempotencyRecord{
		AgentID:     signed.AgentID,
		Method:      r.Method,
		Path:        r.URL.Path,
		Key:         key,
		RequestHash: signed.BodyHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, api.Internal(err)
	}
	if existing.RequestHash != signed.BodyHash {
		return nil, api.Conflict(api.CodeIdempotencyMismatch, "Idempotency key was used with a different request body.")
	}
	if existing.State != store.IdempotencyCompleted {
		return nil, api.Conflict(api.CodeConflict, "An identical request is still in flight.")
	}
	return existing, nil
}

func (s *Server) recordAuthFailure(ctx context.Context, ip string, err error) {
	var apiErr *api.Error
	reason := "unknown"
	if errors.As(err, &apiErr) {
		reason = apiErr.Code
	}
	if s.obs != nil {
		s.obs.RecordAuthFailure(ctx, reason)
	}
	if err := s.authLimit.RecordFailure(ctx, ip); err != nil {
		s.logger.Warn("failed-auth limiter record failed", "error", err)
	}
}

// reject writes the error envelope and audits the rejection.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, agentID string, err error) {
	api.WriteError(w, r, err)
	var apiErr *api.Error
	code := api.CodeInternal
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}
	s.record(r.Context(), r, agentID, audit.OutcomeRejected, code, clientIP(r))
}

func (s *Server) record(ctx context.Context, r *http.Request, agentID, outcome, code, ip string) {
	s.audit.Record(ctx, audit.Entry{
		RequestID: api.GetRequestID(ctx),
		AgentID:   agentID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Outcome:   outcome,
		Code:      code,
		IP:        ip,
	})
}

// readIdentity authenticates a read-friendly endpoint by API key.
func (s *Server) readIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := s.apiKeys.Authenticate(r.Context(), auth.ExtractAPIKey(r), s.now().UTC())
	if err != nil {
		s.reject(w, r, "", err)
		return "", false
	}
	return key.AgentID, true
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}

// actionLimiter enforces the per-agent actions-per-minute budget with one
// token bucket per agent, pruned opportunistically.
type actionLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*agentBucket
}

type agentBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newActionLimiter(perMinute int) *actionLimiter {
	return &actionLimiter{perMin: perMinute, buckets: make(map[string]*agentBucket)}
}

func (l *actionLimiter) allow(agentID string) bool {
	if l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[agentID]
	if !ok {
		b = &agentBucket{lim: rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)}
		l.buckets[agentID] = b
	}
	b.lastSeen = time.Now()
	if len(l.buckets) > 4096 {
		for id, st := range l.buckets {
			if time.Since(st.lastSeen) > 10*time.Minute {
				delete(l.buckets, id)
			}
		}
	}
	l.mu.Unlock()
	return b.lim.Allow()
}

// newMutationID is the id factory for rows created by handlers.
func newMutationID() string { return uuid.NewString() }
