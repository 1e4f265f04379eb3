package gateway

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/auth"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/seal"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	allowed, err := s.adminLimit.Allow(r.Context(), ip)
	if err != nil {
		s.logger.Warn("admin limiter check failed", "error", err)
		allowed = true
	}
	if !allowed {
		if s.obs != nil {
			s.obs.RecordRateLimitHit(r.Context(), "admin_login")
		}
		api.WriteError(w, r, api.Quota("Too many login attempts.", 60))
		return
	}
	if s.admin == nil {
		api.WriteError(w, r, api.Dependency("Admin login is not configured.", true, nil))
		return
	}

	var req struct {
		AdminKey string `json:"adminKey"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || json.Unmarshal(body, &req) != nil {
		api.WriteError(w, r, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON."))
		return
	}

	token, expiresAt, err := s.admin.Login(req.AdminKey, s.now().UTC())
	if err != nil {
		if lerr := s.adminLimit.RecordFailure(r.Context(), ip); lerr != nil {
			s.logger.Warn("admin failure not recorded", "error", lerr)
		}
		if s.obs != nil {
			s.obs.RecordAuthFailure(r.Context(), api.CodeUnauthorized)
		}
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
	})
}

// requireAdmin gates the operator read surface behind a session token.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.admin == nil {
		api.WriteError(w, r, api.Dependency("Admin login is not configured.", true, nil))
		return false
	}
	if err := s.admin.Verify(auth.ExtractBearer(r), s.now().UTC()); err != nil {
		api.WriteError(w, r, err)
		return false
	}
	return true
}

// requireSystemKey gates operator mutations behind the deployment secret.
func (s *Server) requireSystemKey(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.SystemKey == "" {
		api.WriteError(w, r, api.Dependency("System endpoints are not enabled.", true, nil))
		return false
	}
	presented := r.Header.Get("X-System-Key")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.SystemKey)) != 1 {
		if s.obs != nil {
			s.obs.RecordAuthFailure(r.Context(), api.CodeUnauthorized)
		}
		api.WriteError(w, r, api.Auth(api.CodeUnauthorized, "System key is not recognised."))
		return false
	}
	return true
}

// requireWorkerToken authenticates the seal worker's callback.
func (s *Server) requireWorkerToken(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.WorkerToken == "" {
		api.WriteError(w, r, api.Dependency("Worker callbacks are not enabled.", true, nil))
		return false
	}
	presented := r.Header.Get("X-Worker-Token")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.WorkerToken)) != 1 {
		if s.obs != nil {
			s.obs.RecordAuthFailure(r.Context(), api.CodeUnauthorized)
		}
		api.WriteError(w, r, api.Auth(api.CodeUnauthorized, "Worker token is not recognised."))
		return false
	}
	return true
}

func (s *Server) handleAdminCases(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	ctx := r.Context()
	var (
		cases []*court.Case
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		cases, err = s.st.ListCasesByStatus(ctx, court.Status(status), 100)
	} else {
		cases, err = s.st.ListRecentCases(ctx, 100)
	}
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (s *Server) handleAdminSealJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	ctx := r.Context()
	jobs, err := s.st.ListRecentSealJobs(ctx, 100)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	counts, err := s.st.CountSealJobsByStatus(ctx)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "counts": counts})
}

func (s *Server) handleAdminWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	deliveries, err := s.st.ListWebhookDeliveries(r.Context(), 200)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// handleSealResult is the worker's completion callback. ApplyResult is
// replay safe, so redelivery of an identical outcome succeeds quietly.
func (s *Server) handleSealResult(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkerToken(w, r) {
		return
	}
	var res seal.WorkerSealResult
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || json.Unmarshal(body, &res) != nil {
		api.WriteError(w, r, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON."))
		return
	}
	if err := s.sealer.ApplyResult(r.Context(), &res); err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInternalVoid(w http.ResponseWriter, r *http.Request) {
	if !s.requireSystemKey(w, r) {
		return
	}
	ctx := r.Context()
	c, err := s.st.GetCase(ctx, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		api.WriteError(w, r, api.NotFound("No such case."))
		return
	}
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	if c.Status.Terminal() {
		api.WriteError(w, r, api.Conflict(api.CodeConflict, "Case is already terminal."))
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil && len(body) > 0 {
		if json.Unmarshal(body, &req) != nil {
			api.WriteError(w, r, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON."))
			return
		}
	}
	reason := court.VoidAdministrativeOverride
	if req.Reason != "" {
		reason = court.VoidReason(req.Reason)
	}

	now := s.now().UTC()
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.st.VoidCase(ctx, tx, c.CaseID, reason, now); err != nil {
			return err
		}
		return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
			CaseID:    c.CaseID,
			ActorRole: "system",
			EventType: court.EventCaseVoid,
			Stage:     c.SessionStage,
			Payload:   map[string]any{"reason": string(reason), "via": "operator"},
			CreatedAt: now,
		})
	})
	if errors.Is(err, store.ErrConflict) {
		api.WriteError(w, r, api.Conflict(api.CodeConflict, "Case is already terminal."))
		return
	}
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	s.logger.Info("case voided by operator", "caseId", c.CaseID, "reason", string(reason))

	voided, err := s.st.GetCase(ctx, c.CaseID)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"case": voided})
}

func (s *Server) handleSealJobRetry(w http.ResponseWriter, r *http.Request) {
	if !s.requireSystemKey(w, r) {
		return
	}
	if err := s.sealer.Retry(r.Context(), r.PathValue("jobId")); err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
