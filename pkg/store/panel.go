package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

const panelColumns = `case_id, juror_agent_id, seat, score_hash, status, ready_deadline,
	voting_deadline, replacement_of_juror_id, replacements, created_at, updated_at`

// InsertPanelMembers writes the freshly drawn panel inside the selection
// transaction.
func (s *Store) InsertPanelMembers(ctx context.Context, tx *sql.Tx, members []court.PanelMember) error {
	for i := range members {
		if err := insertPanelMember(ctx, tx, &members[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertPanelMember(ctx context.Context, tx *sql.Tx, m *court.PanelMember) error {
	now := formatTime(m.CreatedAt)
	_, err := tx.ExecContext(ctx, `INSERT INTO jury_panel_members (
		case_id, juror_agent_id, seat, score_hash, status, ready_deadline,
		voting_deadline, replacement_of_juror_id, replacements, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CaseID, m.JurorAgentID, m.Seat, m.ScoreHash, string(m.Status),
		formatTime(m.ReadyDeadline), formatTime(m.VotingDeadline),
		m.ReplacementOfJurorID, m.Replacements, now, now)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert panel member: %w", err)
	}
	return nil
}

// ListPanel returns every seat assignment for a case, past and present,
// ordered by seat then creation so replacement chains read in order.
func (s *Store) ListPanel(ctx context.Context, caseID string) ([]court.PanelMember, error) {
	return listPanel(ctx, s.db, caseID)
}

// ListPanelTx is ListPanel inside an engine transaction.
func (s *Store) ListPanelTx(ctx context.Context, tx *sql.Tx, caseID string) ([]court.PanelMember, error) {
	return listPanel(ctx, tx, caseID)
}

func listPanel(ctx context.Context, q dbtx, caseID string) ([]court.PanelMember, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+panelColumns+` FROM jury_panel_members
		WHERE case_id = ? ORDER BY seat, created_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list panel: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []court.PanelMember
	for rows.Next() {
		m, err := scanPanelMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// GetPanelMember loads one seat assignment.
func (s *Store) GetPanelMember(ctx context.Context, caseID, jurorAgentID string) (*court.PanelMember, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+panelColumns+` FROM jury_panel_members
		WHERE case_id = ? AND juror_agent_id = ?`, caseID, jurorAgentID)
	if err != nil {
		return nil, fmt.Errorf("get panel member: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanPanelMember(rows)
}

// MarkJurorReady flips pending_ready to ready. The status guard makes a
// second ready call from the same juror a conflict.
func (s *Store) MarkJurorReady(ctx context.Context, tx *sql.Tx, caseID, jurorAgentID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE jury_panel_members
		SET status = 'ready', updated_at = ?
		WHERE case_id = ? AND juror_agent_id = ? AND status = 'pending_ready'`,
		formatTime(now), caseID, jurorAgentID)
	if err != nil {
		return fmt.Errorf("mark juror ready: %w", err)
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

// ActivateVotingPanel moves every ready member to active_voting with the
// voting deadline, inside the transaction that opens the voting stage.
func (s *Store) ActivateVotingPanel(ctx context.Context, tx *sql.Tx, caseID string, votingDeadline, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE jury_panel_members
		SET status = 'active_voting', voting_deadline = ?, updated_at = ?
		WHERE case_id = ? AND status = 'ready'`,
		formatTime(votingDeadline), formatTime(now), caseID)
	if err != nil {
		return fmt.Errorf("activate voting panel: %w", err)
	}
	return nil
}

// MarkJurorVoted flips active_voting to voted alongside the ballot insert.
func (s *Store) MarkJurorVoted(ctx context.Context, tx *sql.Tx, caseID, jurorAgentID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE jury_panel_members
		SET status = 'voted', updated_at = ?
		WHERE case_id = ? AND juror_agent_id = ? AND status = 'active_voting'`,
		formatTime(now), caseID, jurorAgentID)
	if err != nil {
		return fmt.Errorf("mark juror voted: %w", err)
	}
	return requireRow(res)
}

// RetirePanelMember marks a seat holder timed_out then replaced; both labels
// are part of the replacement protocol's audit trail, so the final state is
// replaced with the timeout recorded on the transcript.
func (s *Store) RetirePanelMember(ctx context.Context, tx *sql.Tx, caseID, jurorAgentID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE jury_panel_members
		SET status = 'replaced', updated_at = ?
		WHERE case_id = ? AND juror_agent_id = ?
		  AND status IN ('pending_ready', 'active_voting')`,
		formatTime(now), caseID, jurorAgentID)
	if err != nil {
		return fmt.Errorf("retire panel member: %w", err)
	}
	return requireRow(res)
}

// InsertReplacementMember seats the replacement drawn for a timed-out juror.
func (s *Store) InsertReplacementMember(ctx context.Context, tx *sql.Tx, m *court.PanelMember) error {
	return insertPanelMember(ctx, tx, m)
}

// InsertSelectionRun records the audit row of one deterministic draw.
func (s *Store) InsertSelectionRun(ctx context.Context, tx *sql.Tx, run *court.SelectionRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jury_selection_runs (
		run_id, case_id, kind, drand_round, drand_randomness, pool_snapshot_hash,
		proof, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CaseID, string(run.Kind), run.DrandRound, run.DrandRandomness,
		run.PoolSnapshotHash, run.ProofJSON, formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert selection run: %w", err)
	}
	return nil
}

// GetInitialSelectionRun returns the first draw for a case; its proof backs
// deterministic replacement.
func (s *Store) GetInitialSelectionRun(ctx context.Context, caseID string) (*court.SelectionRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, case_id, kind, drand_round,
		drand_randomness, pool_snapshot_hash, proof, created_at
		FROM jury_selection_runs WHERE case_id = ? AND kind = 'initial'
		ORDER BY created_at LIMIT 1`, caseID)
	return scanSelectionRun(row)
}

// ListSelectionRuns returns every draw for a case in order.
func (s *Store) ListSelectionRuns(ctx context.Context, caseID string) ([]court.SelectionRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, case_id, kind, drand_round,
		drand_randomness, pool_snapshot_hash, proof, created_at
		FROM jury_selection_runs WHERE case_id = ? ORDER BY created_at, run_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list selection runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []court.SelectionRun
	for rows.Next() {
		var (
			run       court.SelectionRun
			kind      string
			createdAt string
		)
		if err := rows.Scan(&run.RunID, &run.CaseID, &kind, &run.DrandRound,
			&run.DrandRandomness, &run.PoolSnapshotHash, &run.ProofJSON, &createdAt); err != nil {
			return nil, err
		}
		run.Kind = court.SelectionRunKind(kind)
		run.CreatedAt = parseTime(createdAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type panelScanner interface {
	Scan(dest ...any) error
}

func scanPanelMember(sc panelScanner) (*court.PanelMember, error) {
	var (
		m                              court.PanelMember
		status                         string
		readyDeadline, votingDeadline  string
		createdAt, updatedAt           string
	)
	err := sc.Scan(&m.CaseID, &m.JurorAgentID, &m.Seat, &m.ScoreHash, &status,
		&readyDeadline, &votingDeadline, &m.ReplacementOfJurorID, &m.Replacements,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan panel member: %w", err)
	}
	m.Status = court.PanelStatus(status)
	m.ReadyDeadline = parseTime(readyDeadline)
	m.VotingDeadline = parseTime(votingDeadline)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func scanSelectionRun(row *sql.Row) (*court.SelectionRun, error) {
	var (
		run       court.SelectionRun
		kind      string
		createdAt string
	)
	err := row.Scan(&run.RunID, &run.CaseID, &kind, &run.DrandRound,
		&run.DrandRandomness, &run.PoolSnapshotHash, &run.ProofJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan selection run: %w", err)
	}
	run.Kind = court.SelectionRunKind(kind)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}
