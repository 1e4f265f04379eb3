package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

// InsertClaims writes the claims of a draft in one transaction.
func (s *Store) InsertClaims(ctx context.Context, claims []court.Claim) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range claims {
			principles, _ := json.Marshal(c.AllegedPrinciples)
			if _, err := tx.ExecContext(ctx, `INSERT INTO claims
				(claim_id, case_id, idx, summary, requested_remedy, alleged_principles)
				VALUES (?, ?, ?, ?, ?, ?)`,
				c.ClaimID, c.CaseID, c.Index, c.Summary, c.RequestedRemedy, string(principles),
			); err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("insert claim: %w", err)
			}
		}
		return nil
	})
}

// ListClaims returns a case's claims in filing order.
func (s *Store) ListClaims(ctx context.Context, caseID string) ([]court.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT claim_id, case_id, idx, summary,
		requested_remedy, alleged_principles FROM claims WHERE case_id = ? ORDER BY idx`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claims []court.Claim
	for rows.Next() {
		var (
			c          court.Claim
			principles string
		)
		if err := rows.Scan(&c.ClaimID, &c.CaseID, &c.Index, &c.Summary, &c.RequestedRemedy, &principles); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(principles), &c.AllegedPrinciples)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// InsertEvidence appends one evidence record with its transcript event in
// the caller's transaction.
func (s *Store) InsertEvidence(ctx context.Context, tx *sql.Tx, e *court.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence
		(evidence_id, case_id, submitter_agent_id, side, kind, title, body, url,
		 body_hash, stage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EvidenceID, e.CaseID, e.SubmitterAgentID, string(e.Side), string(e.Kind),
		e.Title, e.Body, e.URL, e.BodyHash, string(e.Stage), formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// ListEvidence returns a case's evidence in submission order.
func (s *Store) ListEvidence(ctx context.Context, caseID string) ([]court.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT evidence_id, case_id, submitter_agent_id,
		side, kind, title, body, url, body_hash, stage, created_at
		FROM evidence WHERE case_id = ? ORDER BY created_at, evidence_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []court.Evidence
	for rows.Next() {
		var (
			e                  court.Evidence
			side, kind, stage  string
			createdAt          string
		)
		if err := rows.Scan(&e.EvidenceID, &e.CaseID, &e.SubmitterAgentID, &side, &kind,
			&e.Title, &e.Body, &e.URL, &e.BodyHash, &stage, &createdAt); err != nil {
			return nil, err
		}
		e.Side = court.Side(side)
		e.Kind = court.EvidenceKind(kind)
		e.Stage = court.Stage(stage)
		e.CreatedAt = parseTime(createdAt)
		all = append(all, e)
	}
	return all, rows.Err()
}

// InsertSubmission writes one side's address for a phase. The unique index
// turns a duplicate into ErrConflict.
func (s *Store) InsertSubmission(ctx context.Context, tx *sql.Tx, sub *court.Submission) error {
	principles, _ := json.Marshal(sub.PrincipleCitations)
	citations, _ := json.Marshal(sub.EvidenceCitations)
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions
		(submission_id, case_id, side, phase, text, principle_citations,
		 evidence_citations, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.SubmissionID, sub.CaseID, string(sub.Side), string(sub.Phase), sub.Text,
		string(principles), string(citations), sub.ContentHash, formatTime(sub.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// HasSubmission reports whether (case, side, phase) is already filed.
func (s *Store) HasSubmission(ctx context.Context, caseID string, side court.Side, phase court.SubmissionPhase) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions
		WHERE case_id = ? AND side = ? AND phase = ?`,
		caseID, string(side), string(phase)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has submission: %w", err)
	}
	return n > 0, nil
}

// CountPhaseSubmissions returns how many sides have filed for a phase;
// the stage gate advances at 2.
func (s *Store) CountPhaseSubmissions(ctx context.Context, caseID string, phase court.SubmissionPhase) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions
		WHERE case_id = ? AND phase = ?`, caseID, string(phase)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

// ListSubmissions returns all of a case's submissions ordered by phase then
// side, the order the verdict bundle cites them in.
func (s *Store) ListSubmissions(ctx context.Context, caseID string) ([]court.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT submission_id, case_id, side, phase, text,
		principle_citations, evidence_citations, content_hash, created_at
		FROM submissions WHERE case_id = ? ORDER BY phase, side`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []court.Submission
	for rows.Next() {
		var (
			sub                    court.Submission
			side, phase            string
			principles, citations  string
			createdAt              string
		)
		if err := rows.Scan(&sub.SubmissionID, &sub.CaseID, &side, &phase, &sub.Text,
			&principles, &citations, &sub.ContentHash, &createdAt); err != nil {
			return nil, err
		}
		sub.Side = court.Side(side)
		sub.Phase = court.SubmissionPhase(phase)
		_ = json.Unmarshal([]byte(principles), &sub.PrincipleCitations)
		_ = json.Unmarshal([]byte(citations), &sub.EvidenceCitations)
		sub.CreatedAt = parseTime(createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// InsertBallot records one juror's vote; the unique index rejects a second
// ballot from the same juror.
func (s *Store) InsertBallot(ctx context.Context, tx *sql.Tx, b *court.Ballot) error {
	votes, err := json.Marshal(b.ClaimVotes)
	if err != nil {
		return fmt.Errorf("marshal claim votes: %w", err)
	}
	principles, _ := json.Marshal(b.PrinciplesReliedOn)
	_, err = tx.ExecContext(ctx, `INSERT INTO ballots
		(ballot_id, case_id, juror_agent_id, claim_votes, overall_vote,
		 reasoning_summary, principles_relied_on, ballot_hash, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BallotID, b.CaseID, b.JurorAgentID, string(votes), b.OverallVote,
		b.ReasoningSummary, string(principles), b.BallotHash, b.Signature,
		formatTime(b.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert ballot: %w", err)
	}
	return nil
}

// ListBallots returns every ballot for a case in juror order so the tally
// is deterministic.
func (s *Store) ListBallots(ctx context.Context, caseID string) ([]court.Ballot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ballot_id, case_id, juror_agent_id,
		claim_votes, overall_vote, reasoning_summary, principles_relied_on,
		ballot_hash, signature, created_at
		FROM ballots WHERE case_id = ? ORDER BY juror_agent_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list ballots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ballots []court.Ballot
	for rows.Next() {
		var (
			b                  court.Ballot
			votes, principles  string
			createdAt          string
		)
		if err := rows.Scan(&b.BallotID, &b.CaseID, &b.JurorAgentID, &votes, &b.OverallVote,
			&b.ReasoningSummary, &principles, &b.BallotHash, &b.Signature, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(votes), &b.ClaimVotes); err != nil {
			return nil, fmt.Errorf("corrupt claim votes on ballot %s: %w", b.BallotID, err)
		}
		_ = json.Unmarshal([]byte(principles), &b.PrinciplesReliedOn)
		b.CreatedAt = parseTime(createdAt)
		ballots = append(ballots, b)
	}
	return ballots, rows.Err()
}
