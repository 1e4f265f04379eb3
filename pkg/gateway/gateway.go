// Package gateway is the HTTP surface of the court and the agreement
// protocol. Every mutation flows through one pipeline: failed-auth limiter,
// signature verification, nonce consumption, idempotency claim, schema
// validation, policy gate, handler, idempotency completion, audit record.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/audit"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/auth"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/observability"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/ocp"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/policy"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/schema"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/seal"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

// maxBodyBytes bounds every request body before hashing.
const maxBodyBytes = 1 << 20

// Deps carries the collaborators the server routes requests into.
type Deps struct {
	Store  *store.Store
	OCP    *ocp.Service
	Sealer *seal.Service
	Notify webhook.Notifier
	Audit  audit.Recorder
	Obs    *observability.Provider
	Logger *slog.Logger
}

// Server owns the route table and the request pipeline.
type Server struct {
	st     *store.Store
	ocp    *ocp.Service
	sealer *seal.Service
	notify webhook.Notifier
	cfg    *config.Config

	verifier   *auth.RequestVerifier
	apiKeys    *auth.APIKeyAuthenticator
	admin      *auth.AdminSessions
	authLimit  auth.FailureLimiter
	adminLimit auth.FailureLimiter
	actions    *actionLimiter
	schemas    *schema.Validator
	gate       *policy.Gate

	audit  audit.Recorder
	obs    *observability.Provider
	logger *slog.Logger
	now    func() time.Time
}

// New wires the server. The failed-auth limiter is Redis-backed when
// REDIS_URL is set so multiple instances share one budget per IP.
func New(cfg *config.Config, d Deps) (*Server, error) {
	gw := cfg.Profile.Gateway

	schemas, err := schema.New()
	if err != nil {
		return nil, err
	}
	gate, err := policy.NewGate(cfg.Profile.PolicyRules, d.Logger)
	if err != nil {
		return nil, err
	}

	var authLimit auth.FailureLimiter
	if cfg.RedisURL != "" {
		authLimit, err = auth.NewRedisFailureLimiterFromURL(cfg.RedisURL,
			gw.FailedAuthLimit, time.Duration(gw.FailedAuthWindowMins)*time.Minute)
		if err != nil {
			return nil, err
		}
	} else {
		authLimit = auth.NewMemoryFailureLimiter(gw.FailedAuthLimit,
			time.Duration(gw.FailedAuthWindowMins)*time.Minute)
	}

	var admin *auth.AdminSessions
	if cfg.AdminKey != "" && cfg.AdminJWTSecret != "" {
		admin, err = auth.NewAdminSessions(cfg.AdminKey, cfg.AdminJWTSecret,
			time.Duration(gw.AdminSessionMinutes)*time.Minute)
		if err != nil {
			return nil, err
		}
	}

	if d.Notify == nil {
		d.Notify = webhook.Nop()
	}
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		st:     d.Store,
		ocp:    d.OCP,
		sealer: d.Sealer,
		notify: d.Notify,
		cfg:    cfg,
		verifier: auth.NewRequestVerifier(
			time.Duration(gw.TimestampWindowSeconds)*time.Second, nil),
		apiKeys:   auth.NewAPIKeyAuthenticator(d.Store),
		admin:     admin,
		authLimit: authLimit,
		adminLimit: auth.NewMemoryFailureLimiter(gw.AdminAttemptLimit,
			time.Duration(gw.AdminAttemptWindowMins)*time.Minute),
		actions: newActionLimiter(gw.ActionsPerMinute),
		schemas: schemas,
		gate:    gate,
		audit:   d.Audit,
		obs:     d.Obs,
		logger:  logger.With("component", "gateway"),
		now:     time.Now,
	}, nil
}

// Handler assembles the route table behind the outer middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OCP surface.
	mux.HandleFunc("POST /v1/agents/register", s.handleAgentRegister)
	mux.HandleFunc("POST /v1/agents/update", s.handleAgentUpdate)
	mux.HandleFunc("POST /v1/api-keys", s.handleAPIKeyCreate)
	mux.HandleFunc("GET /v1/api-keys", s.handleAPIKeyList)
	mux.HandleFunc("DELETE /v1/api-keys/{id}", s.handleAPIKeyRevoke)
	mux.HandleFunc("POST /v1/agreements/propose", s.handleAgreementPropose)
	mux.HandleFunc("POST /v1/agreements/{id}/accept", s.handleAgreementAccept)
	mux.HandleFunc("POST /v1/agreements/{id}/cancel", s.handleAgreementCancel)
	mux.HandleFunc("POST /v1/agreements/{id}/suspend", s.handleAgreementSuspend)
	mux.HandleFunc("GET /v1/agreements/by-code/{code}", s.handleAgreementByCode)
	mux.HandleFunc("GET /v1/agreements/{id}", s.handleAgreementGet)
	mux.HandleFunc("GET /v1/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/decisions/draft", s.handleDecisionDraft)
	mux.HandleFunc("POST /v1/decisions/{id}/sign", s.handleDecisionSign)
	mux.HandleFunc("POST /v1/decisions/{id}/seal", s.handleDecisionSeal)

	// Court surface.
	mux.HandleFunc("POST /api/cases/draft", s.handleCaseDraft)
	mux.HandleFunc("POST /api/cases/{id}/file", s.handleCaseFile)
	mux.HandleFunc("POST /api/cases/{id}/volunteer-defence", s.handleVolunteerDefence)
	mux.HandleFunc("POST /api/cases/{id}/evidence", s.handleEvidenceAdd)
	mux.HandleFunc("POST /api/cases/{id}/stage-message", s.handleStageMessage)
	mux.HandleFunc("POST /api/cases/{id}/juror-ready", s.handleJurorReady)
	mux.HandleFunc("POST /api/cases/{id}/ballots", s.handleBallotSubmit)
	mux.HandleFunc("GET /api/cases/{id}", s.handleCaseGet)
	mux.HandleFunc("GET /api/cases/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/meta/principles", s.handlePrinciples)

	// Operator and worker surface.
	mux.HandleFunc("POST /api/admin/login", s.handleAdminLogin)
	mux.HandleFunc("GET /api/admin/cases", s.handleAdminCases)
	mux.HandleFunc("GET /api/admin/seal-jobs", s.handleAdminSealJobs)
	mux.HandleFunc("GET /api/admin/webhook-deliveries", s.handleAdminWebhookDeliveries)
	mux.HandleFunc("POST /api/internal/seal-result", s.handleSealResult)
	mux.HandleFunc("POST /api/internal/cases/{id}/void", s.handleInternalVoid)
	mux.HandleFunc("POST /api/internal/seal-jobs/{jobId}/retry", s.handleSealJobRetry)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	var h http.Handler = mux
	h = s.track(h)
	h = api.SecurityHeaders(h)
	h = api.CORS(s.cfg.AllowedOrigins)(h)
	h = api.RequestID(h)
	return h
}

// track wraps request metrics around the mux.
func (s *Server) track(next http.Handler) http.Handler {
	if s.obs == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.obs.TrackRequest(r.Context(), r.Method, r.URL.Path)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		done(sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		api.WriteError(w, r, api.Dependency("Store is not ready.", true, err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handlePrinciples(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"principles": s.cfg.Profile.Principles,
	})
}
