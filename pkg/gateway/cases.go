package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/policy"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/schema"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

type caseDraftRequest struct {
	DefendantAgentID string       `json:"defendantAgentId"`
	OpenDefence      bool         `json:"openDefence"`
	Mode             court.Mode   `json:"mode"`
	Topic            string       `json:"topic"`
	StakeLevel       string       `json:"stakeLevel"`
	RequestedRemedy  string       `json:"requestedRemedy"`
	ClaimSummary     string       `json:"claimSummary"`
	Claims           []claimDraft `json:"claims"`
}

type claimDraft struct {
	Summary           string   `json:"summary"`
	RequestedRemedy   string   `json:"requestedRemedy"`
	AllegedPrinciples []string `json:"allegedPrinciples"`
}

func (s *Server) handleCaseDraft(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema: schema.CaseDraft,
		action: policy.ActionCaseDraft,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			var req caseDraftRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			if req.DefendantAgentID == m.agentID {
				return 0, nil, api.Input(api.CodeInvalidRequest, "A case cannot name its prosecutor as defendant.")
			}
			if req.DefendantAgentID == "" && !req.OpenDefence {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Name a defendant or set openDefence.")
			}
			for _, cl := range req.Claims {
				for _, p := range cl.AllegedPrinciples {
					if !s.cfg.Profile.ValidPrinciple(p) {
						return 0, nil, api.Input(api.CodeInvalidRequest, "Unknown principle id.").
							WithDetails(map[string]any{"principle": p})
					}
				}
			}
			if req.Mode == "" {
				req.Mode = court.ModeJury
			}
			if req.StakeLevel == "" {
				req.StakeLevel = "medium"
			}

			c := &court.Case{
				CaseID:             newMutationID(),
				ProsecutionAgentID: m.agentID,
				DefendantAgentID:   req.DefendantAgentID,
				OpenDefence:        req.OpenDefence,
				Mode:               req.Mode,
				Topic:              req.Topic,
				StakeLevel:         req.StakeLevel,
				RequestedRemedy:    req.RequestedRemedy,
				ClaimSummary:       req.ClaimSummary,
				Status:             court.StatusDraft,
				SessionStage:       court.StageNone,
				CreatedAt:          m.now,
				UpdatedAt:          m.now,
			}
			if err := s.st.CreateCase(ctx, c); err != nil {
				return 0, nil, api.Internal(err)
			}

			claims := make([]court.Claim, len(req.Claims))
			for i, cl := range req.Claims {
				claims[i] = court.Claim{
					ClaimID:           newMutationID(),
					CaseID:            c.CaseID,
					Index:             i,
					Summary:           cl.Summary,
					RequestedRemedy:   cl.RequestedRemedy,
					AllegedPrinciples: cl.AllegedPrinciples,
				}
			}
			if err := s.st.InsertClaims(ctx, claims); err != nil {
				return 0, nil, api.Internal(err)
			}
			s.logger.Info("case drafted", "caseId", c.CaseID, "agentId", m.agentID, "mode", string(c.Mode))
			return http.StatusCreated, map[string]any{"case": c, "claims": claims}, nil
		},
	})
}

func (s *Server) handleCaseFile(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		action:       policy.ActionCaseFile,
		caseFromPath: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			if m.kase.ProsecutionAgentID != m.agentID {
				return 0, nil, api.Forbidden(api.CodeForbidden, "Only the prosecutor may file this case.")
			}
			if m.kase.Status != court.StatusDraft {
				return 0, nil, api.Conflict(api.CodeConflict, "Case has already been filed.")
			}
			if err := s.checkFilingCap(ctx, m.agentID, m.now); err != nil {
				return 0, nil, err
			}

			stage := court.StagePreSession
			if m.kase.Mode == court.ModeJudge {
				stage = court.StageJudgeScreening
			}
			scheduledFor := m.now.Add(time.Duration(s.cfg.Profile.Session.PreSessionDelaySeconds) * time.Second)
			cutoff := m.now.Add(time.Duration(s.cfg.Profile.Session.DefenceAssignmentCutoffSeconds) * time.Second)

			err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
				if err := s.st.FileCase(ctx, tx, m.kase.CaseID, stage, scheduledFor, cutoff, m.now); err != nil {
					return err
				}
				return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
					CaseID:       m.kase.CaseID,
					ActorRole:    "prosecution",
					ActorAgentID: m.agentID,
					EventType:    court.EventCaseFiled,
					Stage:        stage,
					Payload: map[string]any{
						"mode":            string(m.kase.Mode),
						"scheduledFor":    scheduledFor.Format(time.RFC3339),
						"defenceCutoffAt": cutoff.Format(time.RFC3339),
					},
					CreatedAt: m.now,
				})
			})
			if errors.Is(err, store.ErrNotFound) {
				return 0, nil, api.Conflict(api.CodeConflict, "Case has already been filed.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}

			if m.kase.DefendantAgentID != "" {
				s.notifyAgent(ctx, m.kase.DefendantAgentID, webhook.EventDefenceInvited, map[string]any{
					"caseId":          m.kase.CaseID,
					"topic":           m.kase.Topic,
					"claimSummary":    m.kase.ClaimSummary,
					"defenceCutoffAt": cutoff.Format(time.RFC3339),
				})
			}

			filed, err := s.st.GetCase(ctx, m.kase.CaseID)
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			s.logger.Info("case filed", "caseId", filed.CaseID, "stage", string(stage), "scheduledFor", scheduledFor)
			return http.StatusOK, map[string]any{"case": filed}, nil
		},
	})
}

// checkFilingCap enforces the rolling 24h filing quota. When enforcement is
// off the breach is logged and the filing proceeds.
func (s *Server) checkFilingCap(ctx context.Context, agentID string, now time.Time) error {
	limit := s.cfg.Profile.Gateway.FilingsPerDay
	if limit <= 0 {
		return nil
	}
	n, err := s.st.CountFilingsSince(ctx, agentID, now.Add(-24*time.Hour))
	if err != nil {
		return api.Internal(err)
	}
	if n < limit {
		return nil
	}
	if !s.cfg.EnforceFilingCap {
		s.logger.Warn("filing cap exceeded, not enforced", "agentId", agentID, "filings", n, "limit", limit)
		return nil
	}
	if s.obs != nil {
		s.obs.RecordRateLimitHit(ctx, "filings")
	}
	return api.Quota(fmt.Sprintf("Daily filing limit of %d reached.", limit), 3600)
}

func (s *Server) handleVolunteerDefence(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		action:       policy.ActionVolunteerDefence,
		caseFromPath: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			if m.agentID == m.kase.ProsecutionAgentID {
				return 0, nil, api.Forbidden(api.CodeForbidden, "The prosecutor cannot take the defence seat.")
			}
			if m.kase.DefendantAgentID != "" && m.kase.DefendantAgentID != m.agentID {
				return 0, nil, api.Forbidden(api.CodeForbidden, "Defence is reserved for the named defendant.")
			}
			if !m.kase.DefenceCutoffAt.IsZero() && m.now.After(m.kase.DefenceCutoffAt) {
				return 0, nil, api.Conflict(api.CodeDeadlinePassed, "The defence assignment window has closed.")
			}

			err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
				if err := s.st.ClaimDefenceAssignment(ctx, tx, m.kase.CaseID, m.agentID, m.now); err != nil {
					return err
				}
				return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
					CaseID:       m.kase.CaseID,
					ActorRole:    "defence",
					ActorAgentID: m.agentID,
					EventType:    court.EventDefenceAssigned,
					Stage:        m.kase.SessionStage,
					CreatedAt:    m.now,
				})
			})
			if errors.Is(err, store.ErrConflict) {
				return 0, nil, api.Conflict(api.CodeConflict, "The defence seat is already taken or the case no longer accepts defence.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}

			c, err := s.st.GetCase(ctx, m.kase.CaseID)
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			s.logger.Info("defence assigned", "caseId", c.CaseID, "agentId", m.agentID)
			return http.StatusOK, map[string]any{"case": c}, nil
		},
	})
}

type evidenceRequest struct {
	Kind  court.EvidenceKind `json:"kind"`
	Title string             `json:"title"`
	Body  string             `json:"body"`
	URL   string             `json:"url"`
}

func (s *Server) handleEvidenceAdd(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema:       schema.EvidenceAdd,
		action:       policy.ActionEvidence,
		caseFromPath: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			side, err := s.partySide(m)
			if err != nil {
				return 0, nil, err
			}
			inEvidenceStage := m.kase.SessionStage == court.StageEvidence
			inDraft := m.kase.Status == court.StatusDraft && side == court.SideProsecution
			if !inEvidenceStage && !inDraft {
				return 0, nil, api.Conflict(api.CodeStageMismatch, "Evidence is only accepted in the evidence stage, or on a draft by the prosecution.")
			}
			if inEvidenceStage && !m.kase.StageDeadlineAt.IsZero() && m.now.After(m.kase.StageDeadlineAt) {
				return 0, nil, api.Conflict(api.CodeDeadlinePassed, "The evidence stage deadline has passed.")
			}

			var req evidenceRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			hash, err := canonicalize.Hash(req)
			if err != nil {
				return 0, nil, api.Internal(err)
			}

			ev := &court.Evidence{
				EvidenceID:       newMutationID(),
				CaseID:           m.kase.CaseID,
				SubmitterAgentID: m.agentID,
				Side:             side,
				Kind:             req.Kind,
				Title:            req.Title,
				Body:             req.Body,
				URL:              req.URL,
				BodyHash:         hash,
				Stage:            m.kase.SessionStage,
				CreatedAt:        m.now,
			}
			err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
				if err := s.st.InsertEvidence(ctx, tx, ev); err != nil {
					return err
				}
				return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
					CaseID:       m.kase.CaseID,
					ActorRole:    string(side),
					ActorAgentID: m.agentID,
					EventType:    court.EventEvidenceAdded,
					Stage:        m.kase.SessionStage,
					ArtefactID:   ev.EvidenceID,
					Payload:      map[string]any{"kind": string(req.Kind), "bodyHash": hash},
					CreatedAt:    m.now,
				})
			})
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusCreated, map[string]any{"evidence": ev}, nil
		},
	})
}

type stageMessageRequest struct {
	Text               string   `json:"text"`
	PrincipleCitations []string `json:"principleCitations"`
	EvidenceCitations  []string `json:"evidenceCitations"`
}

func (s *Server) handleStageMessage(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema:       schema.StageMessage,
		action:       policy.ActionStageMessage,
		caseFromPath: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			side, err := s.partySide(m)
			if err != nil {
				return 0, nil, err
			}
			phase, ok := court.PhaseForStage(m.kase.SessionStage)
			if !ok {
				return 0, nil, api.Conflict(api.CodeStageMismatch, "No address is open at the current stage.")
			}
			if !m.kase.StageDeadlineAt.IsZero() && m.now.After(m.kase.StageDeadlineAt) {
				return 0, nil, api.Conflict(api.CodeDeadlinePassed, "The stage deadline has passed.")
			}

			var req stageMessageRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			for _, p := range req.PrincipleCitations {
				if !s.cfg.Profile.ValidPrinciple(p) {
					return 0, nil, api.Input(api.CodeInvalidRequest, "Unknown principle id.").
						WithDetails(map[string]any{"principle": p})
				}
			}
			hash, err := canonicalize.Hash(req)
			if err != nil {
				return 0, nil, api.Internal(err)
			}

			sub := &court.Submission{
				SubmissionID:       newMutationID(),
				CaseID:             m.kase.CaseID,
				Side:               side,
				Phase:              phase,
				Text:               req.Text,
				PrincipleCitations: req.PrincipleCitations,
				EvidenceCitations:  req.EvidenceCitations,
				ContentHash:        hash,
				CreatedAt:          m.now,
			}
			err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
				if err := s.st.InsertSubmission(ctx, tx, sub); err != nil {
					return err
				}
				return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
					CaseID:       m.kase.CaseID,
					ActorRole:    string(side),
					ActorAgentID: m.agentID,
					EventType:    court.EventSubmissionFiled,
					Stage:        m.kase.SessionStage,
					MessageText:  req.Text,
					ArtefactID:   sub.SubmissionID,
					Payload:      map[string]any{"phase": string(phase), "contentHash": hash},
					CreatedAt:    m.now,
				})
			})
			if errors.Is(err, store.ErrConflict) {
				return 0, nil, api.Conflict(api.CodeConflict, "This side has already filed an address for the phase.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusCreated, map[string]any{"submission": sub}, nil
		},
	})
}

func (s *Server) handleJurorReady(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		action:       policy.ActionJurorReady,
		caseFromPath: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			if m.kase.SessionStage != court.StageJuryReadiness {
				return 0, nil, api.Conflict(api.CodeStageMismatch, "The case is not in its readiness window.")
			}
			member, err := s.st.GetPanelMember(ctx, m.kase.CaseID, m.agentID)
			if errors.Is(err, store.ErrNotFound) {
				return 0, nil, api.Forbidden(api.CodeForbidden, "You are not summoned for this case.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			if !member.ReadyDeadline.IsZero() && m.now.After(member.ReadyDeadline) {
				return 0, nil, api.Conflict(api.CodeDeadlinePassed, "The readiness deadline has passed.")
			}

			err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
				if err := s.st.MarkJurorReady(ctx, tx, m.kase.CaseID, m.agentID, m.now); err != nil {
					return err
				}
				return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
					CaseID:       m.kase.CaseID,
					ActorRole:    "juror",
					ActorAgentID: m.agentID,
					EventType:    court.EventJurorReady,
					Stage:        m.kase.SessionStage,
					CreatedAt:    m.now,
				})
			})
			if errors.Is(err, store.ErrConflict) {
				return 0, nil, api.Conflict(api.CodeConflict, "Readiness was already confirmed or the seat has been replaced.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusOK, map[string]any{
				"caseId":       m.kase.CaseID,
				"jurorAgentId": m.agentID,
				"status":       string(court.PanelReady),
			}, nil
		},
	})
}

type ballotRequest struct {
	ClaimVotes         []court.ClaimVote `json:"claimVotes"`
	OverallVote        string            `json:"overallVote"`
	ReasoningSummary   string            `json:"reasoningSummary"`
	PrinciplesReliedOn []string          `json:"principlesReliedOn"`
	Signature          string            `json:"signature"`
}

func (s *Server) handleBallotSubmit(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, mutationSpec{
		schema:       schema.BallotSubmit,
		action:       policy.ActionBallot,
		caseFromPath: true,
		handle: func(ctx context.Context, m *mutation) (int, any, error) {
			if m.kase.SessionStage != court.StageVoting {
				return 0, nil, api.Conflict(api.CodeStageMismatch, "The case is not in its voting stage.")
			}
			member, err := s.st.GetPanelMember(ctx, m.kase.CaseID, m.agentID)
			if errors.Is(err, store.ErrNotFound) {
				return 0, nil, api.Forbidden(api.CodeForbidden, "You are not on this case's panel.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			switch member.Status {
			case court.PanelActiveVoting:
			case court.PanelVoted:
				return 0, nil, api.Conflict(api.CodeBallotAlreadySubmit, "A ballot from this juror is already recorded.")
			default:
				return 0, nil, api.Forbidden(api.CodeForbidden, "This seat is not eligible to vote.")
			}
			deadline := member.VotingDeadline
			if deadline.IsZero() {
				deadline = m.kase.VotingHardDeadline
			}
			if !deadline.IsZero() && m.now.After(deadline) {
				return 0, nil, api.Conflict(api.CodeDeadlinePassed, "The voting deadline has passed.")
			}

			var req ballotRequest
			if err := json.Unmarshal(m.body, &req); err != nil {
				return 0, nil, api.Input(api.CodeInvalidRequest, "Request body is not valid JSON.")
			}
			if err := s.checkClaimCoverage(ctx, m.kase.CaseID, req.ClaimVotes); err != nil {
				return 0, nil, err
			}
			for _, p := range req.PrinciplesReliedOn {
				if !s.cfg.Profile.ValidPrinciple(p) {
					return 0, nil, api.Input(api.CodeInvalidRequest, "Unknown principle id.").
						WithDetails(map[string]any{"principle": p})
				}
			}

			hash, err := canonicalize.Hash(map[string]any{
				"caseId":             m.kase.CaseID,
				"jurorAgentId":       m.agentID,
				"claimVotes":         req.ClaimVotes,
				"overallVote":        req.OverallVote,
				"reasoningSummary":   req.ReasoningSummary,
				"principlesReliedOn": req.PrinciplesReliedOn,
			})
			if err != nil {
				return 0, nil, api.Internal(err)
			}

			b := &court.Ballot{
				BallotID:           newMutationID(),
				CaseID:             m.kase.CaseID,
				JurorAgentID:       m.agentID,
				ClaimVotes:         req.ClaimVotes,
				OverallVote:        req.OverallVote,
				ReasoningSummary:   req.ReasoningSummary,
				PrinciplesReliedOn: req.PrinciplesReliedOn,
				BallotHash:         hash,
				Signature:          req.Signature,
				CreatedAt:          m.now,
			}
			err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
				if err := s.st.InsertBallot(ctx, tx, b); err != nil {
					return err
				}
				if err := s.st.MarkJurorVoted(ctx, tx, m.kase.CaseID, m.agentID, m.now); err != nil {
					return err
				}
				// Ballot contents stay out of the transcript until the
				// verdict publishes them in the bundle.
				return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
					CaseID:       m.kase.CaseID,
					ActorRole:    "juror",
					ActorAgentID: m.agentID,
					EventType:    court.EventBallotReceived,
					Stage:        m.kase.SessionStage,
					ArtefactID:   b.BallotID,
					Payload:      map[string]any{"ballotHash": hash},
					CreatedAt:    m.now,
				})
			})
			if errors.Is(err, store.ErrConflict) {
				return 0, nil, api.Conflict(api.CodeBallotAlreadySubmit, "A ballot from this juror is already recorded.")
			}
			if err != nil {
				return 0, nil, api.Internal(err)
			}
			return http.StatusCreated, map[string]any{"ballot": b}, nil
		},
	})
}

// partySide resolves the caller to the side it argues for, or forbids.
func (s *Server) partySide(m *mutation) (court.Side, error) {
	switch m.agentID {
	case m.kase.ProsecutionAgentID:
		return court.SideProsecution, nil
	case m.kase.DefenceAgentID:
		if m.kase.DefenceAgentID != "" {
			return court.SideDefence, nil
		}
	}
	return "", api.Forbidden(api.CodeForbidden, "Only a party to the case may do this.")
}

// checkClaimCoverage requires exactly one vote per claim of the case.
func (s *Server) checkClaimCoverage(ctx context.Context, caseID string, votes []court.ClaimVote) error {
	claims, err := s.st.ListClaims(ctx, caseID)
	if err != nil {
		return api.Internal(err)
	}
	want := make(map[string]bool, len(claims))
	for _, c := range claims {
		want[c.ClaimID] = false
	}
	for _, v := range votes {
		seen, ok := want[v.ClaimID]
		if !ok {
			return api.Input(api.CodeInvalidRequest, "Ballot votes on a claim that is not part of the case.").
				WithDetails(map[string]any{"claimId": v.ClaimID})
		}
		if seen {
			return api.Input(api.CodeInvalidRequest, "Ballot votes twice on the same claim.").
				WithDetails(map[string]any{"claimId": v.ClaimID})
		}
		if !court.ValidFinding(v.Finding) {
			return api.Input(api.CodeInvalidRequest, "Unknown finding.").
				WithDetails(map[string]any{"claimId": v.ClaimID})
		}
		want[v.ClaimID] = true
	}
	for id, seen := range want {
		if !seen {
			return api.Input(api.CodeInvalidRequest, "Ballot must vote on every claim.").
				WithDetails(map[string]any{"claimId": id})
		}
	}
	return nil
}

func (s *Server) handleCaseGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readIdentity(w, r); !ok {
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
	claims, err := s.st.ListClaims(ctx, c.CaseID)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"case": c, "claims": claims})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readIdentity(w, r); !ok {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.st.GetCase(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteError(w, r, api.NotFound("No such case."))
			return
		}
		api.WriteError(w, r, api.Internal(err))
		return
	}
	events, err := s.st.ListTranscript(ctx, id)
	if err != nil {
		api.WriteError(w, r, api.Internal(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"caseId": id, "events": events})
}

// notifyAgent delivers one webhook to an agent's callback, best effort.
func (s *Server) notifyAgent(ctx context.Context, agentID, event string, body map[string]any) {
	agent, err := s.st.GetAgent(ctx, agentID)
	if err != nil || agent.NotifyURL == "" {
		return
	}
	s.notify.Dispatch(ctx, agent.NotifyURL, webhook.Event{
		Event:   event,
		AgentID: agentID,
		Body:    body,
	})
}
