package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/jury"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

// tickScreening runs the presiding judge's merit screen. Attempts are spaced
// by the retry interval; UpdatedAt is safe to pace on because nothing else
// mutates a case while it sits in judge_screening.
func (e *Engine) tickScreening(ctx context.Context, c *court.Case) error {
	jc := e.cfg.Profile.Judge
	now := e.clock().UTC()
	if c.JudgeScreeningAttempts > 0 {
		retryAt := c.UpdatedAt.Add(time.Duration(jc.ScreeningRetryIntervalSec) * time.Second)
		if now.Before(retryAt) {
			return nil
		}
	}
	attempt, err := e.st.RecordScreeningAttempt(ctx, c.CaseID, now)
	if err != nil {
		return err
	}
	claims, err := e.st.ListClaims(ctx, c.CaseID)
	if err != nil {
		return err
	}

	started := e.clock()
	screening, err := e.judge.Screen(ctx, c, claims)
	if e.obs != nil {
		e.obs.RecordJudgeCall(ctx, "screening", e.clock().Sub(started), err)
	}
	if err != nil {
		if attempt >= jc.ScreeningAttempts {
			e.logger.Warn("judge screening exhausted",
				"caseId", c.CaseID, "attempts", attempt, "error", err)
			return e.void(ctx, c, court.VoidJudgeScreeningFailed)
		}
		e.logger.Warn("judge screening attempt failed",
			"caseId", c.CaseID, "attempt", attempt, "error", err)
		return nil
	}

	now = e.clock().UTC()
	if !screening.Accept {
		err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
				CaseID:    c.CaseID,
				ActorRole: "judge",
				EventType: court.EventJudgeScreening,
				Stage:     court.StageJudgeScreening,
				Payload:   map[string]any{"accepted": false, "reason": screening.Reason},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			return e.voidTx(ctx, tx, c, court.VoidJudgeScreeningRejected, now)
		})
		if err != nil {
			return err
		}
		e.logger.Info("case rejected at screening", "caseId", c.CaseID, "reason", screening.Reason)
		return nil
	}

	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
			CaseID:    c.CaseID,
			ActorRole: "judge",
			EventType: court.EventJudgeScreening,
			Stage:     court.StageJudgeScreening,
			Payload:   map[string]any{"accepted": true, "reason": screening.Reason},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return e.advanceTx(ctx, tx, c, court.StagePreSession, c.DefenceCutoffAt, now)
	})
	if err != nil {
		return err
	}
	e.logger.Info("case passed screening", "caseId", c.CaseID, "attempt", attempt)
	return nil
}

// tickPreSession waits for defence counsel and the scheduled start. The void
// path re-reads the case inside the transaction: a volunteer may claim the
// brief between the tick's listing and this write.
func (e *Engine) tickPreSession(ctx context.Context, c *court.Case) error {
	now := e.clock().UTC()
	if c.DefenceAgentID != "" {
		if now.Before(c.ScheduledFor) {
			return nil
		}
		return e.startJurySelection(ctx, c)
	}
	if c.DefenceCutoffAt.IsZero() || now.Before(c.DefenceCutoffAt) {
		return nil
	}
	voided := false
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.st.GetCaseTx(ctx, tx, c.CaseID)
		if err != nil {
			return err
		}
		if cur.SessionStage != court.StagePreSession || cur.DefenceAgentID != "" {
			return nil
		}
		voided = true
		return e.voidTx(ctx, tx, cur, court.VoidMissingDefence, now)
	})
	if err == nil && voided {
		e.logger.Info("case voided", "caseId", c.CaseID, "reason", string(court.VoidMissingDefence))
	}
	return err
}

// startJurySelection draws the panel from the current beacon round and moves
// the case into jury_readiness. A pool below the panel size is not fatal;
// the case waits for eligible jurors.
func (e *Engine) startJurySelection(ctx context.Context, c *court.Case) error {
	jc := e.cfg.Profile.Jury
	now := e.clock().UTC()

	round, err := e.randomness.Latest(ctx)
	if err != nil {
		return fmt.Errorf("randomness beacon: %w", err)
	}
	pool, err := e.st.ListJurorPool(ctx, e.partyIDs(c), jc.WeeklyServiceLimit, nil, now)
	if err != nil {
		return err
	}
	proof, err := jury.Select(pool, round.Randomness, round.Round, c.CaseID, jc.PanelSize)
	if err != nil {
		var small *jury.ErrPoolTooSmall
		if errors.As(err, &small) {
			e.logger.Warn("juror pool below panel size",
				"caseId", c.CaseID, "pool", small.Pool, "need", small.Need)
			return nil
		}
		return err
	}
	proofJSON, err := proof.Encode()
	if err != nil {
		return err
	}

	readyBy := now.Add(time.Duration(jc.ReadinessWindowSeconds) * time.Second)
	panel := proof.Panel()
	members := make([]court.PanelMember, 0, len(panel))
	jurors := make([]string, 0, len(panel))
	for i, sc := range panel {
		members = append(members, court.PanelMember{
			CaseID:        c.CaseID,
			JurorAgentID:  sc.AgentID,
			Seat:          i + 1,
			ScoreHash:     sc.ScoreHash,
			Status:        court.PanelPendingReady,
			ReadyDeadline: readyBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		jurors = append(jurors, sc.AgentID)
	}

	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.advanceTx(ctx, tx, c, court.StageJuryReadiness, readyBy, now); err != nil {
			return err
		}
		if err := e.st.SetCaseSelection(ctx, tx, c.CaseID, round.Round, round.Randomness,
			proof.PoolSnapshotHash, proofJSON, now); err != nil {
			return err
		}
		if err := e.st.InsertSelectionRun(ctx, tx, &court.SelectionRun{
			RunID:            uuid.NewString(),
			CaseID:           c.CaseID,
			Kind:             court.SelectionInitial,
			DrandRound:       round.Round,
			DrandRandomness:  round.Randomness,
			PoolSnapshotHash: proof.PoolSnapshotHash,
			ProofJSON:        proofJSON,
			CreatedAt:        now,
		}); err != nil {
			return err
		}
		if err := e.st.InsertPanelMembers(ctx, tx, members); err != nil {
			return err
		}
		return e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
			CaseID:    c.CaseID,
			ActorRole: "system",
			EventType: court.EventJurySelected,
			Stage:     court.StageJuryReadiness,
			Payload: map[string]any{
				"drandRound":       round.Round,
				"poolSnapshotHash": proof.PoolSnapshotHash,
				"jurors":           jurors,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}

	for _, id := range jurors {
		e.summon(ctx, id, webhook.EventJurySummons, map[string]any{
			"caseId":     c.CaseID,
			"readyByIso": readyBy.Format(time.RFC3339),
		})
	}
	e.logger.Info("jury selected",
		"caseId", c.CaseID, "round", round.Round, "panel", len(jurors), "pool", len(pool))
	return nil
}

// tickReadiness advances once the panel is ready, or rolls the readiness
// window and replaces silent jurors. The window counter is bumped at most
// once per tick that saw an expiry.
func (e *Engine) tickReadiness(ctx context.Context, c *court.Case) error {
	jc := e.cfg.Profile.Jury
	now := e.clock().UTC()
	members, err := e.st.ListPanel(ctx, c.CaseID)
	if err != nil {
		return err
	}

	ready := 0
	var expired []court.PanelMember
	for _, m := range members {
		switch m.Status {
		case court.PanelReady:
			ready++
		case court.PanelPendingReady:
			if !m.ReadyDeadline.IsZero() && !now.Before(m.ReadyDeadline) {
				expired = append(expired, m)
			}
		}
	}

	if ready >= jc.PanelSize {
		deadline := now.Add(e.stageSeconds(court.StageOpening))
		err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
			return e.advanceTx(ctx, tx, c, court.StageOpening, deadline, now)
		})
		if err != nil {
			return err
		}
		e.logger.Info("panel ready, addresses open", "caseId", c.CaseID, "ready", ready)
		return nil
	}
	if len(expired) == 0 {
		return nil
	}

	windowsOut := false
	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		windows, err := e.st.RecordReadinessWindow(ctx, tx, c.CaseID, now)
		if err != nil {
			return err
		}
		if windows >= jc.MaxReadinessWindows {
			windowsOut = true
			return e.voidTx(ctx, tx, c, court.VoidJuryReadinessTimeout, now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if windowsOut {
		e.logger.Info("case voided", "caseId", c.CaseID, "reason", string(court.VoidJuryReadinessTimeout))
		return nil
	}

	for _, m := range expired {
		capped, err := e.replaceJuror(ctx, c, m, court.PanelPendingReady)
		if err != nil {
			return err
		}
		if capped {
			return e.void(ctx, c, court.VoidJuryReadinessTimeout)
		}
	}
	return nil
}

// tickSubmissionStage drives the four address stages: both sides filed moves
// the case forward, a missed deadline voids it with the stage's reason.
func (e *Engine) tickSubmissionStage(ctx context.Context, c *court.Case) error {
	phase, ok := court.PhaseForStage(c.SessionStage)
	if !ok {
		return nil
	}
	prosecutionIn, err := e.st.HasSubmission(ctx, c.CaseID, court.SideProsecution, phase)
	if err != nil {
		return err
	}
	defenceIn, err := e.st.HasSubmission(ctx, c.CaseID, court.SideDefence, phase)
	if err != nil {
		return err
	}
	now := e.clock().UTC()

	if prosecutionIn && defenceIn {
		return e.advanceFromSubmission(ctx, c, now)
	}
	if !c.StageDeadlineAt.IsZero() && !now.Before(c.StageDeadlineAt) {
		reason := court.MissingSubmissionReason(c.SessionStage)
		return e.void(ctx, c, reason)
	}
	return nil
}

func (e *Engine) advanceFromSubmission(ctx context.Context, c *court.Case, now time.Time) error {
	var next court.Stage
	switch c.SessionStage {
	case court.StageOpening:
		next = court.StageEvidence
	case court.StageEvidence:
		next = court.StageClosing
	case court.StageClosing:
		next = court.StageSummingUp
	case court.StageSummingUp:
		return e.startVoting(ctx, c, now)
	default:
		return nil
	}
	deadline := now.Add(e.stageSeconds(next))
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		return e.advanceTx(ctx, tx, c, next, deadline, now)
	})
	if err != nil {
		return err
	}
	e.logger.Info("stage advanced", "caseId", c.CaseID, "stage", string(next))
	if next == court.StageSummingUp && c.Mode == court.ModeJudge {
		e.recordAdvisory(ctx, c)
	}
	return nil
}

// startVoting opens the ballot window: the panel flips to active_voting with
// a per-juror soft deadline, and the hard cap bounds the whole stage.
func (e *Engine) startVoting(ctx context.Context, c *court.Case, now time.Time) error {
	soft := now.Add(e.stageSeconds(court.StageVoting))
	hard := now.Add(time.Duration(e.cfg.Profile.Stages.VotingHardCapSeconds) * time.Second)
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.advanceTx(ctx, tx, c, court.StageVoting, soft, now); err != nil {
			return err
		}
		if err := e.st.SetVotingDeadlines(ctx, tx, c.CaseID, soft, hard, now); err != nil {
			return err
		}
		return e.st.ActivateVotingPanel(ctx, tx, c.CaseID, soft, now)
	})
	if err != nil {
		return err
	}
	e.logger.Info("voting open", "caseId", c.CaseID,
		"soft", soft.Format(time.RFC3339), "hard", hard.Format(time.RFC3339))
	return nil
}

// tickVoting closes the case once every active juror has voted, replaces
// jurors whose soft deadline lapsed, and at the hard cap closes with the
// ballots in hand or voids a silent panel.
func (e *Engine) tickVoting(ctx context.Context, c *court.Case) error {
	now := e.clock().UTC()
	members, err := e.st.ListPanel(ctx, c.CaseID)
	if err != nil {
		return err
	}

	var active, voted int
	var expired []court.PanelMember
	for _, m := range members {
		switch m.Status {
		case court.PanelActiveVoting:
			active++
			if !m.VotingDeadline.IsZero() && !now.Before(m.VotingDeadline) {
				expired = append(expired, m)
			}
		case court.PanelVoted:
			voted++
		}
	}

	if active == 0 && voted > 0 {
		return e.closeCase(ctx, c)
	}

	hardUp := !c.VotingHardDeadline.IsZero() && !now.Before(c.VotingHardDeadline)
	if hardUp {
		ballots, err := e.st.ListBallots(ctx, c.CaseID)
		if err != nil {
			return err
		}
		if len(ballots) == 0 {
			return e.void(ctx, c, court.VoidVotingTimeout)
		}
		e.logger.Info("voting hard cap reached, closing with partial panel",
			"caseId", c.CaseID, "ballots", len(ballots))
		return e.closeCase(ctx, c)
	}

	for _, m := range expired {
		capped, err := e.replaceJuror(ctx, c, m, court.PanelActiveVoting)
		if err != nil {
			return err
		}
		if capped {
			return e.void(ctx, c, court.VoidVotingTimeout)
		}
	}
	return nil
}

// replaceJuror retires one timed-out member and seats the next candidate:
// first by walking the initial draw's ranking, then by a fresh draw on the
// current beacon round. capped reports a seat past its replacement budget.
func (e *Engine) replaceJuror(ctx context.Context, c *court.Case, out court.PanelMember, phase court.PanelStatus) (capped bool, err error) {
	jc := e.cfg.Profile.Jury
	if out.Replacements+1 > jc.ReplacementCapPerSeat {
		e.logger.Warn("replacement cap exceeded",
			"caseId", c.CaseID, "seat", out.Seat, "juror", out.JurorAgentID)
		return true, nil
	}
	now := e.clock().UTC()

	members, err := e.st.ListPanel(ctx, c.CaseID)
	if err != nil {
		return false, err
	}
	taken := make(map[string]struct{}, len(members)+3)
	for _, m := range members {
		taken[m.JurorAgentID] = struct{}{}
	}
	for _, id := range e.partyIDs(c) {
		taken[id] = struct{}{}
	}

	var pick jury.Scored
	var freshRun *court.SelectionRun
	if initial, err := e.st.GetInitialSelectionRun(ctx, c.CaseID); err == nil && initial.ProofJSON != "" {
		if proof, perr := jury.DecodeProof(initial.ProofJSON); perr == nil {
			if cand, ok := jury.NextFromProof(proof, func(id string) bool {
				_, t := taken[id]
				return t
			}); ok {
				pick = cand
			}
		}
	}
	if pick.AgentID == "" {
		round, err := e.randomness.Latest(ctx)
		if err != nil {
			return false, fmt.Errorf("randomness beacon: %w", err)
		}
		exclude := make([]string, 0, len(taken))
		for id := range taken {
			exclude = append(exclude, id)
		}
		pool, err := e.st.ListJurorPool(ctx, exclude, jc.WeeklyServiceLimit, nil, now)
		if err != nil {
			return false, err
		}
		fresh, err := jury.Select(pool, round.Randomness, round.Round, c.CaseID, 1)
		if err != nil {
			var small *jury.ErrPoolTooSmall
			if errors.As(err, &small) {
				e.logger.Warn("no replacement candidates available", "caseId", c.CaseID, "seat", out.Seat)
				return false, nil
			}
			return false, err
		}
		pick = fresh.Panel()[0]
		proofJSON, err := fresh.Encode()
		if err != nil {
			return false, err
		}
		freshRun = &court.SelectionRun{
			RunID:            uuid.NewString(),
			CaseID:           c.CaseID,
			Kind:             court.SelectionReplacement,
			DrandRound:       round.Round,
			DrandRandomness:  round.Randomness,
			PoolSnapshotHash: fresh.PoolSnapshotHash,
			ProofJSON:        proofJSON,
			CreatedAt:        now,
		}
	}

	repl := &court.PanelMember{
		CaseID:               c.CaseID,
		JurorAgentID:         pick.AgentID,
		Seat:                 out.Seat,
		ScoreHash:            pick.ScoreHash,
		Status:               phase,
		ReplacementOfJurorID: out.JurorAgentID,
		Replacements:         out.Replacements + 1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	deadlineKey := "readyByIso"
	switch phase {
	case court.PanelPendingReady:
		repl.ReadyDeadline = now.Add(time.Duration(jc.ReadinessWindowSeconds) * time.Second)
	case court.PanelActiveVoting:
		deadlineKey = "voteByIso"
		repl.VotingDeadline = now.Add(e.stageSeconds(court.StageVoting))
		if !c.VotingHardDeadline.IsZero() && repl.VotingDeadline.After(c.VotingHardDeadline) {
			repl.VotingDeadline = c.VotingHardDeadline
		}
	}

	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.st.RetirePanelMember(ctx, tx, c.CaseID, out.JurorAgentID, now); err != nil {
			return err
		}
		if err := e.st.InsertReplacementMember(ctx, tx, repl); err != nil {
			return err
		}
		if freshRun != nil {
			if err := e.st.InsertSelectionRun(ctx, tx, freshRun); err != nil {
				return err
			}
		}
		return e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
			CaseID:    c.CaseID,
			ActorRole: "system",
			EventType: court.EventJurorReplaced,
			Stage:     c.SessionStage,
			Payload: map[string]any{
				"seat":      out.Seat,
				"outgoing":  out.JurorAgentID,
				"incoming":  pick.AgentID,
				"freshDraw": freshRun != nil,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return false, err
	}

	var deadline time.Time
	if phase == court.PanelActiveVoting {
		deadline = repl.VotingDeadline
	} else {
		deadline = repl.ReadyDeadline
	}
	e.summon(ctx, pick.AgentID, webhook.EventJurySummons, map[string]any{
		"caseId":    c.CaseID,
		deadlineKey: deadline.Format(time.RFC3339),
	})
	e.logger.Info("juror replaced", "caseId", c.CaseID, "seat", out.Seat,
		"outgoing", out.JurorAgentID, "incoming", pick.AgentID, "freshDraw", freshRun != nil)
	return false, nil
}

// partyIDs lists the agents barred from this case's jury.
func (e *Engine) partyIDs(c *court.Case) []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{c.ProsecutionAgentID, c.DefenceAgentID, c.DefendantAgentID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
