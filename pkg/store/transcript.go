package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

// AppendTranscript writes the next serial event for a case. The sequence
// number is claimed inside the caller's transaction, so two writers cannot
// interleave and the per-case history stays gapless.
func (s *Store) AppendTranscript(ctx context.Context, tx *sql.Tx, ev *court.TranscriptEvent) error {
	payload := ""
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode transcript payload: %w", err)
		}
		payload = string(raw)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM transcript_events WHERE case_id = ?`, ev.CaseID)
	var last int64
	if err := row.Scan(&last); err != nil {
		return fmt.Errorf("next transcript seq: %w", err)
	}
	ev.Seq = last + 1

	_, err := tx.ExecContext(ctx, `INSERT INTO transcript_events (
		case_id, seq, actor_role, actor_agent_id, event_type, stage,
		message_text, artefact_id, payload, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CaseID, ev.Seq, ev.ActorRole, ev.ActorAgentID, ev.EventType,
		string(ev.Stage), ev.MessageText, ev.ArtefactID, payload, formatTime(ev.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// ListTranscript returns the full serial history of a case in order.
func (s *Store) ListTranscript(ctx context.Context, caseID string) ([]court.TranscriptEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT case_id, seq, actor_role,
		actor_agent_id, event_type, stage, message_text, artefact_id, payload, created_at
		FROM transcript_events WHERE case_id = ? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []court.TranscriptEvent
	for rows.Next() {
		var (
			ev        court.TranscriptEvent
			stage     string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.CaseID, &ev.Seq, &ev.ActorRole, &ev.ActorAgentID,
			&ev.EventType, &stage, &ev.MessageText, &ev.ArtefactID, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.Stage = court.Stage(stage)
		ev.CreatedAt = parseTime(createdAt)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode transcript payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
