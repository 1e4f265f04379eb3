package ocp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// DraftDecisionRequest opens an N-of-M decision over a canonicalised
// payload.
type DraftDecisionRequest struct {
	Title     string          `json:"title,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Threshold int             `json:"threshold"`
	Signers   []string        `json:"signers"`
}

// DraftDecision canonicalises the payload, derives its hash and records the
// draft. Signers collect attestations against the hash afterwards.
func (s *Service) DraftDecision(ctx context.Context, req *DraftDecisionRequest) (*store.Decision, error) {
	now := s.now().UTC()

	if len(req.Payload) == 0 {
		return nil, api.Input(api.CodeInvalidRequest, "payload is required.")
	}
	if len(req.Signers) == 0 {
		return nil, api.Input(api.CodeInvalidRequest, "at least one signer is required.")
	}
	if req.Threshold < 1 || req.Threshold > len(req.Signers) {
		return nil, api.Input(api.CodeInvalidRequest,
			fmt.Sprintf("threshold must be between 1 and %d.", len(req.Signers)))
	}
	seen := make(map[string]struct{}, len(req.Signers))
	for _, id := range req.Signers {
		if _, err := crypto.PublicKeyFromAgentID(id); err != nil {
			return nil, api.Input(api.CodeInvalidRequest, "signer "+id+" is not a valid agent id.")
		}
		if _, dup := seen[id]; dup {
			return nil, api.Input(api.CodeInvalidRequest, "signer list contains duplicates.")
		}
		seen[id] = struct{}{}
	}

	var doc any
	if err := json.Unmarshal(req.Payload, &doc); err != nil {
		return nil, api.Input(api.CodeInvalidRequest, "payload is not valid JSON.")
	}
	canonical, err := canonicalize.Canonical(doc)
	if err != nil {
		return nil, api.Input(api.CodeInvalidRequest, "payload cannot be canonicalised.")
	}

	d := &store.Decision{
		DecisionID:  uuid.NewString(),
		Title:       req.Title,
		PayloadJSON: string(canonical),
		PayloadHash: canonicalize.HashBytes(canonical),
		Threshold:   req.Threshold,
		Signers:     req.Signers,
		Status:      store.DecisionDraft,
		CreatedAt:   now,
	}
	if err := s.st.CreateDecision(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("decision drafted",
		"decisionId", d.DecisionID, "threshold", d.Threshold, "signers", len(d.Signers))
	return d, nil
}

// DecisionState is a decision plus its collected signatures.
type DecisionState struct {
	Decision   *store.Decision           `json:"decision"`
	Signatures []store.DecisionSignature `json:"signatures"`
	Collected  int                       `json:"collected"`
}

// GetDecision returns the decision with its signature progress.
func (s *Service) GetDecision(ctx context.Context, decisionID string) (*DecisionState, error) {
	d, err := s.st.GetDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.NotFound("No such decision.")
		}
		return nil, err
	}
	sigs, err := s.st.ListDecisionSignatures(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return &DecisionState{Decision: d, Signatures: sigs, Collected: len(sigs)}, nil
}

// SignDecision records one authorised signer's attestation over the payload
// hash. Each signer signs exactly once.
func (s *Service) SignDecision(ctx context.Context, decisionID, caller, sig string) (*DecisionState, error) {
	now := s.now().UTC()

	d, err := s.st.GetDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.NotFound("No such decision.")
		}
		return nil, err
	}
	if d.Status != store.DecisionDraft {
		return nil, api.Conflict(api.CodeConflict, "Decision is sealed; signatures are closed.")
	}
	authorised := false
	for _, id := range d.Signers {
		if id == caller {
			authorised = true
			break
		}
	}
	if !authorised {
		return nil, api.Forbidden(api.CodeForbidden, "Caller is not an authorised signer for this decision.")
	}

	digest := crypto.Digest(crypto.DecisionAttestation(d.PayloadHash))
	if !crypto.VerifyDigest(caller, sig, digest) {
		return nil, api.Auth(api.CodeSignatureInvalid, "Decision signature does not verify.")
	}

	err = s.st.AddDecisionSignature(ctx, &store.DecisionSignature{
		DecisionID: decisionID,
		AgentID:    caller,
		Sig:        sig,
		CreatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, api.Conflict(api.CodeConflict, "This signer has already signed.")
		}
		return nil, err
	}
	return s.GetDecision(ctx, decisionID)
}

// SealDecision closes a draft once the threshold is met. Any authorised
// signer may seal.
func (s *Service) SealDecision(ctx context.Context, decisionID, caller string) (*DecisionState, error) {
	now := s.now().UTC()

	state, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	d := state.Decision
	if d.Status != store.DecisionDraft {
		return nil, api.Conflict(api.CodeConflict, "Decision is already sealed.")
	}
	authorised := false
	for _, id := range d.Signers {
		if id == caller {
			authorised = true
			break
		}
	}
	if !authorised {
		return nil, api.Forbidden(api.CodeForbidden, "Caller is not an authorised signer for this decision.")
	}
	if state.Collected < d.Threshold {
		return nil, api.Conflict(api.CodeConflict,
			fmt.Sprintf("Threshold not met: %d of %d signatures collected.", state.Collected, d.Threshold))
	}

	if err := s.st.SealDecision(ctx, decisionID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
			return nil, api.Conflict(api.CodeConflict, "Decision was sealed concurrently.")
		}
		return nil, err
	}
	s.logger.Info("decision sealed", "decisionId", decisionID, "signatures", state.Collected)
	return s.GetDecision(ctx, decisionID)
}
