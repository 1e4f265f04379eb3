package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

const caseColumns = `case_id, prosecution_agent_id, defendant_agent_id, open_defence,
	defence_agent_id, mode, topic, stake_level, requested_remedy, claim_summary,
	status, session_stage, scheduled_for, defence_cutoff_at, stage_deadline_at,
	voting_hard_deadline_at, drand_round, drand_randomness, pool_snapshot_hash,
	selection_proof, verdict_hash, verdict_bundle, transcript_root_hash, outcome,
	void_reason, seal_status, seal_asset_id, seal_tx_sig, metadata_uri,
	judge_screening_attempts, judge_remedy, readiness_windows, filed_at, closed_at,
	sealed_at, created_at, updated_at`

// CreateCase inserts a draft.
func (s *Store) CreateCase(ctx context.Context, c *court.Case) error {
	now := formatTime(c.CreatedAt)
	_, err := s.db.ExecContext(ctx, `INSERT INTO cases (
		case_id, prosecution_agent_id, defendant_agent_id, open_defence, mode,
		topic, stake_level, requested_remedy, claim_summary, status, session_stage,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CaseID, c.ProsecutionAgentID, nullable(c.DefendantAgentID), boolInt(c.OpenDefence),
		string(c.Mode), c.Topic, c.StakeLevel, c.RequestedRemedy, c.ClaimSummary,
		string(c.Status), string(c.SessionStage), now, now,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// GetCase loads one case by id.
func (s *Store) GetCase(ctx context.Context, caseID string) (*court.Case, error) {
	return getCase(ctx, s.db, caseID)
}

// GetCaseTx re-reads a case inside an open transaction. The engine uses this
// to observe a defence acceptance that committed between its scan and its
// void decision.
func (s *Store) GetCaseTx(ctx context.Context, tx *sql.Tx, caseID string) (*court.Case, error) {
	return getCase(ctx, tx, caseID)
}

func getCase(ctx context.Context, q dbtx, caseID string) (*court.Case, error) {
	row := q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	return scanCase(row)
}

// FileCase moves a draft to filed, stamping the session clocks. The first
// stage is judge_screening in judge mode, pre_session otherwise.
func (s *Store) FileCase(ctx context.Context, tx *sql.Tx, caseID string, stage court.Stage, scheduledFor, defenceCutoff time.Time, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET status = ?, session_stage = ?, scheduled_for = ?, defence_cutoff_at = ?,
		    filed_at = ?, updated_at = ?
		WHERE case_id = ? AND status = 'draft'`,
		string(court.StatusForStage(stage)), string(stage), formatTime(scheduledFor),
		formatTime(defenceCutoff), formatTime(now), formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("file case: %w", err)
	}
	return requireRow(res)
}

// ClaimDefenceAssignment is the compare-and-set a volunteer must win: it
// only succeeds while the seat is empty and the case still accepts defence.
func (s *Store) ClaimDefenceAssignment(ctx context.Context, tx *sql.Tx, caseID, agentID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET defence_agent_id = ?, updated_at = ?
		WHERE case_id = ? AND defence_agent_id IS NULL
		  AND status IN ('filed') AND void_reason = ''`,
		agentID, formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("claim defence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// AdvanceStage writes the next stage with its deadline; status follows the
// stage. Must run in the same transaction as the transcript events.
func (s *Store) AdvanceStage(ctx context.Context, tx *sql.Tx, caseID string, stage court.Stage, deadline time.Time, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET status = ?, session_stage = ?, stage_deadline_at = ?, updated_at = ?
		WHERE case_id = ? AND status NOT IN ('sealed', 'void')`,
		string(court.StatusForStage(stage)), string(stage), formatTime(deadline),
		formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	return requireRow(res)
}

// SetVotingDeadlines stamps both the soft and hard voting deadlines when the
// voting stage opens.
func (s *Store) SetVotingDeadlines(ctx context.Context, tx *sql.Tx, caseID string, soft, hard time.Time, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET status = 'voting', session_stage = 'voting', stage_deadline_at = ?,
		    voting_hard_deadline_at = ?, updated_at = ?
		WHERE case_id = ? AND status NOT IN ('sealed', 'void')`,
		formatTime(soft), formatTime(hard), formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("set voting deadlines: %w", err)
	}
	return requireRow(res)
}

// SetCaseSelection persists the deterministic draw results on the case row.
func (s *Store) SetCaseSelection(ctx context.Context, tx *sql.Tx, caseID string, round uint64, randomness, poolHash, proofJSON string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET drand_round = ?, drand_randomness = ?, pool_snapshot_hash = ?,
		    selection_proof = ?, updated_at = ?
		WHERE case_id = ?`,
		round, randomness, poolHash, proofJSON, formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("set selection: %w", err)
	}
	return requireRow(res)
}

// VoidCase terminates a case with its reason. Already-terminal cases are
// left untouched and reported as ErrConflict so double-voids surface.
func (s *Store) VoidCase(ctx context.Context, tx *sql.Tx, caseID string, reason court.VoidReason, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET status = 'void', void_reason = ?, updated_at = ?
		WHERE case_id = ? AND status NOT IN ('sealed', 'void')`,
		string(reason), formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("void case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CloseCase records the computed verdict and moves the case to closed.
func (s *Store) CloseCase(ctx context.Context, tx *sql.Tx, caseID string, outcome court.Outcome, verdictHash, bundleJSON, transcriptRootHash, judgeRemedy string, closedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET status = 'closed', session_stage = 'closed', outcome = ?, verdict_hash = ?,
		    verdict_bundle = ?, transcript_root_hash = ?, judge_remedy = ?,
		    seal_status = 'queued', closed_at = ?, updated_at = ?
		WHERE case_id = ? AND status NOT IN ('sealed', 'void', 'closed')`,
		string(outcome), verdictHash, bundleJSON, transcriptRootHash, judgeRemedy,
		formatTime(closedAt), formatTime(closedAt), caseID)
	if err != nil {
		return fmt.Errorf("close case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkCaseSealed applies a successful mint. A sealed case always carries a
// verdict hash; the guard keeps a stray worker result from violating that.
func (s *Store) MarkCaseSealed(ctx context.Context, tx *sql.Tx, caseID, assetID, txSig, metadataURI string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases
		SET status = 'sealed', session_stage = 'sealed', seal_status = 'minted',
		    seal_asset_id = ?, seal_tx_sig = ?, metadata_uri = ?, sealed_at = ?, updated_at = ?
		WHERE case_id = ? AND status = 'closed' AND verdict_hash != ''`,
		assetID, txSig, metadataURI, formatTime(now), formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("seal case: %w", err)
	}
	return requireRow(res)
}

// SetCaseSealStatus updates only the seal progress marker.
func (s *Store) SetCaseSealStatus(ctx context.Context, caseID string, status court.SealStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET seal_status = ?, updated_at = ?
		WHERE case_id = ? AND status NOT IN ('void')`,
		string(status), formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("set seal status: %w", err)
	}
	return requireRow(res)
}

// RecordScreeningAttempt bumps the judge screening counter and returns the
// new count.
func (s *Store) RecordScreeningAttempt(ctx context.Context, caseID string, now time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE cases
		SET judge_screening_attempts = judge_screening_attempts + 1, updated_at = ?
		WHERE case_id = ?`, formatTime(now), caseID)
	if err != nil {
		return 0, fmt.Errorf("record screening attempt: %w", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT judge_screening_attempts FROM cases WHERE case_id = ?`, caseID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecordReadinessWindow bumps the bounded readiness-window counter inside
// the replacement transaction and returns the new count.
func (s *Store) RecordReadinessWindow(ctx context.Context, tx *sql.Tx, caseID string, now time.Time) (int, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE cases
		SET readiness_windows = readiness_windows + 1, updated_at = ?
		WHERE case_id = ?`, formatTime(now), caseID); err != nil {
		return 0, fmt.Errorf("record readiness window: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT readiness_windows FROM cases WHERE case_id = ?`, caseID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListOpenCases returns every case the session engine must evaluate.
func (s *Store) ListOpenCases(ctx context.Context) ([]*court.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE status NOT IN ('draft', 'sealed', 'void')
		ORDER BY filed_at`)
	if err != nil {
		return nil, fmt.Errorf("list open cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cases []*court.Case
	for rows.Next() {
		c, err := scanCaseRows(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CountOpenCases reports how many cases are neither draft nor terminal, for
// the queue-depth gauge.
func (s *Store) CountOpenCases(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cases
		WHERE status NOT IN ('draft', 'sealed', 'void')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open cases: %w", err)
	}
	return n, nil
}

// ListRecentCases returns the most recently touched cases regardless of
// status, for the admin surface.
func (s *Store) ListRecentCases(ctx context.Context, limit int) ([]*court.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cases []*court.Case
	for rows.Next() {
		c, err := scanCaseRows(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// ListCasesByStatus supports the admin read surface.
func (s *Store) ListCasesByStatus(ctx context.Context, status court.Status, limit int) ([]*court.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cases []*court.Case
	for rows.Next() {
		c, err := scanCaseRows(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CountFilingsSince counts cases a prosecutor filed after the cutoff, for
// the daily soft cap.
func (s *Store) CountFilingsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cases
		WHERE prosecution_agent_id = ? AND filed_at != '' AND filed_at >= ?`,
		agentID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count filings: %w", err)
	}
	return n, nil
}

type caseScanner interface {
	Scan(dest ...any) error
}

func scanCase(row *sql.Row) (*court.Case, error) {
	c, err := scanCaseFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func scanCaseRows(rows *sql.Rows) (*court.Case, error) {
	return scanCaseFrom(rows)
}

func scanCaseFrom(sc caseScanner) (*court.Case, error) {
	var (
		c                                court.Case
		defendant, defence               sql.NullString
		openDefence                      int
		mode, status, stage              string
		scheduledFor, defenceCutoff      string
		stageDeadline, votingHard        string
		outcome, voidReason, sealStatus  string
		filedAt, closedAt, sealedAt      string
		createdAt, updatedAt             string
	)
	err := sc.Scan(&c.CaseID, &c.ProsecutionAgentID, &defendant, &openDefence, &defence,
		&mode, &c.Topic, &c.StakeLevel, &c.RequestedRemedy, &c.ClaimSummary,
		&status, &stage, &scheduledFor, &defenceCutoff, &stageDeadline, &votingHard,
		&c.DrandRound, &c.DrandRandomness, &c.PoolSnapshotHash, &c.SelectionProofJSON,
		&c.VerdictHash, &c.VerdictBundleJSON, &c.TranscriptRootHash, &outcome,
		&voidReason, &sealStatus, &c.SealAssetID, &c.SealTxSig, &c.MetadataURI,
		&c.JudgeScreeningAttempts, &c.JudgeRemedy, &c.ReadinessWindows,
		&filedAt, &closedAt, &sealedAt, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.DefendantAgentID = defendant.String
	c.DefenceAgentID = defence.String
	c.OpenDefence = openDefence != 0
	c.Mode = court.Mode(mode)
	c.Status = court.Status(status)
	c.SessionStage = court.Stage(stage)
	c.ScheduledFor = parseTime(scheduledFor)
	c.DefenceCutoffAt = parseTime(defenceCutoff)
	c.StageDeadlineAt = parseTime(stageDeadline)
	c.VotingHardDeadline = parseTime(votingHard)
	c.Outcome = court.Outcome(outcome)
	c.VoidReason = court.VoidReason(voidReason)
	c.SealStatus = court.SealStatus(sealStatus)
	c.FiledAt = parseTime(filedAt)
	c.ClosedAt = parseTime(closedAt)
	c.SealedAt = parseTime(sealedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
