package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/judge"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/observability"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/seal"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/verdict"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

// judgeTiebreaker adapts the judge client to the tally. A judge error or
// an invalid finding declines the tie; the tally then falls back to
// insufficient.
type judgeTiebreaker struct {
	client judge.Client
	obs    *observability.Provider
	clock  func() time.Time
}

func (j judgeTiebreaker) BreakTie(ctx context.Context, c *court.Case, claim court.Claim, votes []court.ClaimVote) (court.Finding, string, bool) {
	started := j.clock()
	tb, err := j.client.BreakTie(ctx, c, claim, votes)
	if j.obs != nil {
		j.obs.RecordJudgeCall(ctx, "tiebreak", j.clock().Sub(started), err)
	}
	if err != nil || tb == nil || !court.ValidFinding(tb.Finding) {
		return "", "", false
	}
	return tb.Finding, tb.Reason, true
}

// recordAdvisory appends the judge's summing-up to the transcript. Failure
// is logged and swallowed; the advisory is guidance, not a gate.
func (e *Engine) recordAdvisory(ctx context.Context, c *court.Case) {
	claims, err := e.st.ListClaims(ctx, c.CaseID)
	if err != nil {
		e.logger.Warn("advisory skipped", "caseId", c.CaseID, "error", err)
		return
	}
	started := e.clock()
	adv, err := e.judge.SummingUp(ctx, c, claims)
	if e.obs != nil {
		e.obs.RecordJudgeCall(ctx, "summing_up", e.clock().Sub(started), err)
	}
	if err != nil || adv == nil || adv.Text == "" {
		if err != nil {
			e.logger.Warn("judge summing-up failed", "caseId", c.CaseID, "error", err)
		}
		return
	}
	now := e.clock().UTC()
	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		return e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
			CaseID:      c.CaseID,
			ActorRole:   "judge",
			EventType:   court.EventStageMessage,
			Stage:       court.StageSummingUp,
			MessageText: adv.Text,
			CreatedAt:   now,
		})
	})
	if err != nil {
		e.logger.Warn("advisory not recorded", "caseId", c.CaseID, "error", err)
	}
}

// closeCase tallies ballots, seals the verdict row and hands the case to
// the seal pipeline. The in-process guard stops a hard-cap tick and an
// all-voted tick from racing each other.
func (e *Engine) closeCase(ctx context.Context, c *court.Case) error {
	if !e.beginClose(c.CaseID) {
		return nil
	}
	defer e.endClose(c.CaseID)

	claims, err := e.st.ListClaims(ctx, c.CaseID)
	if err != nil {
		return err
	}
	evidence, err := e.st.ListEvidence(ctx, c.CaseID)
	if err != nil {
		return err
	}
	submissions, err := e.st.ListSubmissions(ctx, c.CaseID)
	if err != nil {
		return err
	}
	ballots, err := e.st.ListBallots(ctx, c.CaseID)
	if err != nil {
		return err
	}

	now := e.clock().UTC()
	var tb verdict.Tiebreaker
	if c.Mode == court.ModeJudge {
		tb = judgeTiebreaker{client: e.judge, obs: e.obs, clock: e.clock}
	}
	result, err := verdict.Compute(ctx, verdict.Input{
		Case:        c,
		Claims:      claims,
		Evidence:    evidence,
		Submissions: submissions,
		Ballots:     ballots,
		ClosedAt:    now,
		Tiebreaker:  tb,
	})
	if err != nil {
		return err
	}

	if result.Inconclusive {
		err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
				CaseID:    c.CaseID,
				ActorRole: "system",
				EventType: court.EventVerdictComputed,
				Stage:     court.StageVoting,
				Payload:   map[string]any{"outcome": string(court.OutcomeInconclusive)},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			return e.voidTx(ctx, tx, c, court.VoidInconclusiveVerdict, now)
		})
		if err != nil {
			return err
		}
		e.logger.Info("case voided", "caseId", c.CaseID, "reason", string(court.VoidInconclusiveVerdict))
		return nil
	}

	remedy := e.recommendRemedy(ctx, c, result.Outcome)

	// The root covers every event up to and excluding the verdict row.
	preClose, err := e.st.ListTranscript(ctx, c.CaseID)
	if err != nil {
		return err
	}
	rootHash, err := seal.TranscriptRootHash(preClose)
	if err != nil {
		return err
	}

	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.st.CloseCase(ctx, tx, c.CaseID, result.Outcome, result.VerdictHash,
			result.BundleJSON, rootHash, remedy, now); err != nil {
			return err
		}
		for _, rec := range result.Tiebreaks {
			if err := e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
				CaseID:    c.CaseID,
				ActorRole: "judge",
				EventType: court.EventJudgeTiebreak,
				Stage:     court.StageVoting,
				Payload: map[string]any{
					"claimId": rec.ClaimID,
					"finding": rec.Finding,
					"reason":  rec.Rationale,
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
			CaseID:    c.CaseID,
			ActorRole: "system",
			EventType: court.EventVerdictComputed,
			Stage:     court.StageClosed,
			Payload: map[string]any{
				"outcome":     string(result.Outcome),
				"verdictHash": result.VerdictHash,
				"ballots":     len(ballots),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	e.logger.Info("case closed",
		"caseId", c.CaseID, "outcome", string(result.Outcome), "verdictHash", result.VerdictHash)

	closed, err := e.st.GetCase(ctx, c.CaseID)
	if err != nil {
		return err
	}
	if e.sealer != nil {
		job, err := e.sealer.Enqueue(ctx, closed, preClose)
		if err != nil {
			e.logger.Error("seal enqueue failed", "caseId", c.CaseID, "error", err)
			return nil
		}
		if err := e.sealer.Dispatch(ctx, job); err != nil {
			// the stale retry pass picks the job up again
			e.logger.Warn("seal dispatch failed", "caseId", c.CaseID, "jobId", job.JobID, "error", err)
			return nil
		}
	}

	body := map[string]any{
		"caseId":      c.CaseID,
		"outcome":     string(result.Outcome),
		"verdictHash": result.VerdictHash,
	}
	for _, id := range e.partyIDs(c) {
		e.summon(ctx, id, webhook.EventVerdictSealed, body)
	}
	return nil
}

// recommendRemedy asks the judge for a non-binding remedy when the
// prosecution prevails in judge mode. Empty on any failure.
func (e *Engine) recommendRemedy(ctx context.Context, c *court.Case, outcome court.Outcome) string {
	if c.Mode != court.ModeJudge || outcome != court.OutcomeForProsecution {
		return ""
	}
	started := e.clock()
	rem, err := e.judge.RecommendRemedy(ctx, c, outcome)
	if e.obs != nil {
		e.obs.RecordJudgeCall(ctx, "remedy", e.clock().Sub(started), err)
	}
	if err != nil || rem == nil {
		if err != nil {
			e.logger.Warn("remedy recommendation failed", "caseId", c.CaseID, "error", err)
		}
		return ""
	}
	return rem.Recommendation
}
