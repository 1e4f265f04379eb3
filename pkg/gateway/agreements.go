package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/ocp"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/policy"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/schema"
)

func (s *Server) handleAgreementPropose(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.AgreementPropose,
		action: policy.ActionAgreementPropose,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req ocp.ProposeRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			a, err := s.ocp.Propose(ctx, m.agentID, &req)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, map[string]any{"agreement": a}, nil
		},
	})
}

func (s *Server) handleAgreementAccept(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.AgreementAccept,
		action: policy.ActionAgreementAccept,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req struct {
				SigB string `json:"sigB"`
			}
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			a, receipt, err := s.ocp.Accept(ctx, m.agentID, r.PathValue("id"), req.SigB)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, map[string]any{"agreement": a, "receipt": receipt}, nil
		},
	})
}

// Cancel and suspend are operator actions; agents renegotiate by proposing
// fresh terms instead.

func (s *Server) handleAgreementCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireSystemKey(w, r) {
		return
	}
	a, err := s.ocp.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"agreement": a})
}

func (s *Server) handleAgreementSuspend(w http.ResponseWriter, r *http.Request) {
	if !s.requireSystemKey(w, r) {
		return
	}
	a, err := s.ocp.Suspend(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"agreement": a})
}

func (s *Server) handleAgreementGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readIdentity(w, r); !ok {
		return
	}
	a, err := s.ocp.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"agreement": a})
}

func (s *Server) handleAgreementByCode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readIdentity(w, r); !ok {
		return
	}
	a, err := s.ocp.GetByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"agreement": a})
}

// handleVerify is deliberately public: anyone holding an agreement code can
// confirm what was signed without holding court credentials.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, err := s.ocp.Verify(r.Context(), q.Get("proposalId"), q.Get("code"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

func (s *Server) handleDecisionDraft(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.DecisionDraft,
		action: policy.ActionDecisionAct,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req ocp.DraftDecisionRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			d, err := s.ocp.DraftDecision(ctx, &req)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, map[string]any{"decision": d}, nil
		},
	})
}

func (s *Server) handleDecisionSign(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.DecisionSign,
		action: policy.ActionDecisionAct,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req struct {
				Signature string `json:"signature"`
			}
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			state, err := s.ocp.SignDecision(ctx, r.PathValue("id"), m.agentID, req.Signature)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, state, nil
		},
	})
}

func (s *Server) handleDecisionSeal(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		action: policy.ActionDecisionAct,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			state, err := s.ocp.SealDecision(ctx, r.PathValue("id"), m.agentID)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, state, nil
		},
	})
}
