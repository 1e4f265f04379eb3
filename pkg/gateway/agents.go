package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/policy"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/schema"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

type agentProfileRequest struct {
	DisplayName     string `json:"displayName,omitempty"`
	Bio             string `json:"bio,omitempty"`
	NotifyURL       string `json:"notifyUrl,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	JurorEligible   *bool  `json:"jurorEligible,omitempty"`
}

// checkProfileRequest applies the cross-field profile rules the JSON schema
// cannot express: callback targets must pass the SSRF filter, the protocol
// version must parse as semver, and free-text names are NFC-normalised so
// the roster is not confusable.
func (s *Server) checkProfileRequest(ctx context.Context, req *agentProfileRequest) error {
	req.DisplayName = norm.NFC.String(req.DisplayName)
	if req.NotifyURL != "" {
		if err := webhook.CheckURL(ctx, req.NotifyURL, s.cfg.WebhookAllowPrivate); err != nil {
			return api.Input(api.CodeInvalidRequest, "notifyUrl is not an acceptable callback target.").
				WithDetails(map[string]any{"reason": err.Error()})
		}
	}
	if req.ProtocolVersion != "" {
		if _, err := semver.NewVersion(req.ProtocolVersion); err != nil {
			return api.Input(api.CodeInvalidRequest, "protocolVersion must be a semantic version.")
		}
	}
	return nil
}

// handleAgentRegister creates the agent row for a signer on first contact.
// The signature alone proves key ownership, so registration is the one
// mutation that admits an unknown agent id.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema:        schema.AgentRegister,
		allowNewAgent: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req agentProfileRequest
			if len(m.body) > 0 {
				if err := json.Unmarshal(m.body, &req); err != nil {
					return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
				}
			}
			if err := s.checkProfileRequest(ctx, &req); err != nil {
				return 0, nil, err
			}

			if m.agent != nil {
				// Re-registration refreshes the profile.
				if err := s.applyProfile(ctx, m.agent, &req, m); err != nil {
					return 0, nil, err
				}
				updated, err := s.st.GetAgent(ctx, m.agentID)
				if err != nil {
					return 0, nil, api.Internal(err)
				}
				return http.StatusOK, updated, nil
			}

			a := &court.Agent{
				AgentID:         m.agentID,
				NotifyURL:       req.NotifyURL,
				Status:          court.AgentStatusActive,
				DisplayName:     req.DisplayName,
				Bio:             req.Bio,
				ProtocolVersion: req.ProtocolVersion,
				JurorEligible:   req.JurorEligible != nil && *req.JurorEligible,
				CreatedAt:       m.now,
				UpdatedAt:       m.now,
			}
			if err := s.st.CreateAgent(ctx, a); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return 0, nil, api.Conflict(api.CodeConflict, "Agent registered concurrently; retry.")
				}
				return 0, nil, api.Internal(err)
			}
			s.logger.Info("agent registered", "agentId", a.AgentID)
			return http.StatusCreated, a, nil
		},
	})
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.AgentUpdate,
		action: policy.ActionAgentUpdate,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req agentProfileRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			if err := s.checkProfileRequest(ctx, &req); err != nil {
				return 0, nil, err
			}
			if err := s.applyProfile(ctx, m.agent, &req, m); err != nil {
				return 0, nil, err
			}
			updated, err := s.st.GetAgent(ctx, m.agent.AgentID)
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusOK, updated, nil
		},
	})
}

// applyProfile merges the provided fields over the stored row; absent
// fields keep their values.
func (s *Server) applyProfile(ctx context.Context, a *court.Agent, req *agentProfileRequest, m *mutation) error {
	notifyURL := a.NotifyURL
	if req.NotifyURL != "" {
		notifyURL = req.NotifyURL
	}
	displayName := a.DisplayName
	if req.DisplayName != "" {
		displayName = req.DisplayName
	}
	bio := a.Bio
	if req.Bio != "" {
		bio = req.Bio
	}
	protocolVersion := a.ProtocolVersion
	if req.ProtocolVersion != "" {
		protocolVersion = req.ProtocolVersion
	}
	jurorEligible := a.JurorEligible
	if req.JurorEligible != nil {
		jurorEligible = *req.JurorEligible
	}
	err := s.st.UpdateAgentProfile(ctx, a.AgentID, notifyURL, displayName, bio,
		protocolVersion, jurorEligible, m.now)
	if err != nil {
		return api.Internal(err)
	}
	return nil
}

type apiKeyCreateRequest struct {
	Name string `json:"name,omitempty"`
}

// handleAPIKeyCreate mints a bearer key. The raw key appears once in this
// response; only its hash is stored.
func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.APIKeyCreate,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req apiKeyCreateRequest
			if len(m.body) > 0 {
				if err := json.Unmarshal(m.body, &req); err != nil {
					return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
				}
			}
			raw, hash, err := crypto.NewAPIKey()
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			k := &store.APIKey{
				KeyID:     newMutationID(),
				AgentID:   m.agent.AgentID,
				Name:      req.Name,
				KeyHash:   hash,
				CreatedAt: m.now,
			}
			if err := s.st.InsertAPIKey(ctx, k); err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusCreated, map[string]any{
				"keyId":     k.KeyID,
				"key":       raw,
				"name":      k.Name,
				"createdAt": k.CreatedAt,
			}, nil
		},
	})
}

func (s *Server) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.readIdentity(w, r)
	if !ok {
		return
	}
	keys, err := s.st.ListAPIKeys(r.Context(), agentID)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			keyID := r.PathValue("id")
			err := s.st.RevokeAPIKey(ctx, m.agent.AgentID, keyID, m.now)
			if errors.Is(err, store.ErrNotFound) {
				return 0, nil, api.NotFound("API key not found or already revoked.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusOK, map[string]any{"keyId": keyID, "revoked": true}, nil
		},
	})
}
