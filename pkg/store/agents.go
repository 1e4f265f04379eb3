package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

const agentColumns = `agent_id, notify_url, status, filing_banned, defence_banned,
	jury_banned, juror_eligible, display_name, bio, protocol_version, created_at, updated_at`

// CreateAgent inserts a newly registered agent. ErrConflict when the id is
// already registered.
func (s *Store) CreateAgent(ctx context.Context, a *court.Agent) error {
	now := formatTime(a.CreatedAt)
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (
		agent_id, notify_url, status, filing_banned, defence_banned, jury_banned,
		juror_eligible, display_name, bio, protocol_version, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.NotifyURL, a.Status, boolInt(a.FilingBanned), boolInt(a.DefenceBanned),
		boolInt(a.JuryBanned), boolInt(a.JurorEligible), a.DisplayName, a.Bio,
		a.ProtocolVersion, now, now,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*court.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// UpdateAgentProfile overwrites the self-serviceable fields.
func (s *Store) UpdateAgentProfile(ctx context.Context, agentID, notifyURL, displayName, bio, protocolVersion string, jurorEligible bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents
		SET notify_url = ?, display_name = ?, bio = ?, protocol_version = ?,
		    juror_eligible = ?, updated_at = ?
		WHERE agent_id = ?`,
		notifyURL, displayName, bio, protocolVersion, boolInt(jurorEligible),
		formatTime(now), agentID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(res)
}

// SetAgentModeration flips status and role bans; used by cross-registration
// and the admin surface.
func (s *Store) SetAgentModeration(ctx context.Context, agentID, status string, filingBanned, defenceBanned, juryBanned bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents
		SET status = ?, filing_banned = ?, defence_banned = ?, jury_banned = ?, updated_at = ?
		WHERE agent_id = ?`,
		status, boolInt(filingBanned), boolInt(defenceBanned), boolInt(juryBanned),
		formatTime(now), agentID)
	if err != nil {
		return fmt.Errorf("moderate agent: %w", err)
	}
	return requireRow(res)
}

// EnsureAgent inserts a minimal active row when the id is unknown; used by
// OCP cross-registration, which must never fail an accepted agreement.
func (s *Store) EnsureAgent(ctx context.Context, agentID string, now time.Time) error {
	ts := formatTime(now)
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (agent_id, status, created_at, updated_at)
		VALUES (?, 'active', ?, ?)
		ON CONFLICT (agent_id) DO NOTHING`, agentID, ts, ts)
	if err != nil {
		return fmt.Errorf("ensure agent: %w", err)
	}
	return nil
}

// ListJurorPool returns ids of active, juror-eligible, non-banned agents,
// excluding any agent already holding weeklyLimit seats in the trailing
// seven days. The allowlist, when non-empty, further restricts the pool.
func (s *Store) ListJurorPool(ctx context.Context, exclude []string, weeklyLimit int, allowlist []string, now time.Time) ([]string, error) {
	weekAgo := formatTime(now.Add(-7 * 24 * time.Hour))
	rows, err := s.db.QueryContext(ctx, `SELECT a.agent_id FROM agents a
		WHERE a.status = 'active' AND a.juror_eligible = 1 AND a.jury_banned = 0
		  AND (SELECT COUNT(1) FROM jury_panel_members m
		       WHERE m.juror_agent_id = a.agent_id AND m.created_at >= ?) < ?
		ORDER BY a.agent_id`, weekAgo, weeklyLimit)
	if err != nil {
		return nil, fmt.Errorf("list juror pool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, id := range allowlist {
		allowed[id] = true
	}

	var pool []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if excluded[id] {
			continue
		}
		if len(allowed) > 0 && !allowed[id] {
			continue
		}
		pool = append(pool, id)
	}
	return pool, rows.Err()
}

func scanAgent(row *sql.Row) (*court.Agent, error) {
	var (
		a                                  court.Agent
		filing, defence, jury, eligible    int
		createdAt, updatedAt               string
	)
	err := row.Scan(&a.AgentID, &a.NotifyURL, &a.Status, &filing, &defence, &jury,
		&eligible, &a.DisplayName, &a.Bio, &a.ProtocolVersion, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.FilingBanned = filing != 0
	a.DefenceBanned = defence != 0
	a.JuryBanned = jury != 0
	a.JurorEligible = eligible != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
