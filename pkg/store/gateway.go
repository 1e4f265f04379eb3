package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IdempotencyState labels a record as in flight or finished.
type IdempotencyState string

const (
	IdempotencyClaimed   IdempotencyState = "claimed"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyRecord is one claim on an (agent, method, path, key) slot.
type IdempotencyRecord struct {
	AgentID         string
	Method          string
	Path            string
	Key             string
	RequestHash     string
	ResponseStatus  int
	ResponsePayload string
	State           IdempotencyState
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// ClaimIdempotency inserts a claimed record for the slot. When the slot is
// already taken the existing record is returned with ErrConflict so the
// caller can distinguish replay from collision.
func (s *Store) ClaimIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_records (
		agent_id, method, path, idempotency_key, request_hash,
		response_status, response_payload, state, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
		rec.AgentID, rec.Method, rec.Path, rec.Key, rec.RequestHash,
		string(IdempotencyClaimed), formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt))
	if isUniqueViolation(err) {
		existing, getErr := s.getIdempotency(ctx, rec.AgentID, rec.Method, rec.Path, rec.Key)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim idempotency: %w", err)
	}
	return nil, nil
}

// CompleteIdempotency stores the response against a claimed slot.
func (s *Store) CompleteIdempotency(ctx context.Context, agentID, method, path, key string, status int, payload string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE idempotency_records
		SET response_status = ?, response_payload = ?, state = ?
		WHERE agent_id = ? AND method = ? AND path = ? AND idempotency_key = ? AND state = ?`,
		status, payload, string(IdempotencyCompleted),
		agentID, method, path, key, string(IdempotencyClaimed))
	if err != nil {
		return fmt.Errorf("complete idempotency: %w", err)
	}
	return requireRow(res)
}

// ReleaseIdempotency drops a claimed slot after a handler error so the
// caller's retry is not locked out by its own failed attempt.
func (s *Store) ReleaseIdempotency(ctx context.Context, agentID, method, path, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records
		WHERE agent_id = ? AND method = ? AND path = ? AND idempotency_key = ? AND state = ?`,
		agentID, method, path, key, string(IdempotencyClaimed))
	if err != nil {
		return fmt.Errorf("release idempotency: %w", err)
	}
	return nil
}

// PruneIdempotency removes expired records.
func (s *Store) PruneIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) getIdempotency(ctx context.Context, agentID, method, path, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_id, method, path, idempotency_key,
		request_hash, response_status, response_payload, state, created_at, expires_at
		FROM idempotency_records
		WHERE agent_id = ? AND method = ? AND path = ? AND idempotency_key = ?`,
		agentID, method, path, key)
	var (
		rec                  IdempotencyRecord
		state                string
		createdAt, expiresAt string
	)
	err := row.Scan(&rec.AgentID, &rec.Method, &rec.Path, &rec.Key, &rec.RequestHash,
		&rec.ResponseStatus, &rec.ResponsePayload, &state, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	rec.State = IdempotencyState(state)
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expiresAt)
	return &rec, nil
}

// ConsumeNonce claims a nonce for an agent. A reused nonce returns
// ErrConflict. Expired rows for the same agent are cleared opportunistically
// so the table does not grow with traffic.
func (s *Store) ConsumeNonce(ctx context.Context, agentID, nonce string, expiresAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE agent_id = ? AND expires_at < ?`, agentID, formatTime(now))
	if err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nonces (agent_id, nonce, expires_at) VALUES (?, ?, ?)`,
		agentID, nonce, formatTime(expiresAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	return nil
}

// PruneNonces removes every expired nonce.
func (s *Store) PruneNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	return res.RowsAffected()
}

// ConsumeTreasuryTx claims a treasury transaction signature exactly once.
func (s *Store) ConsumeTreasuryTx(ctx context.Context, txSig, purpose, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO used_treasury_txs
		(tx_sig, purpose, agent_id, consumed_at) VALUES (?, ?, ?, ?)`,
		txSig, purpose, agentID, formatTime(now))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("consume treasury tx: %w", err)
	}
	return nil
}

// APIKey is the stored form of an issued key. Only the hash persists.
type APIKey struct {
	KeyID      string    `json:"keyId"`
	AgentID    string    `json:"agentId"`
	Name       string    `json:"name,omitempty"`
	KeyHash    string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return !k.RevokedAt.IsZero() }

// InsertAPIKey stores a newly issued key.
func (s *Store) InsertAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys
		(key_id, agent_id, name, key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.KeyID, k.AgentID, k.Name, k.KeyHash, formatTime(k.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks a key up by its hash for request authentication.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key_id, agent_id, name, key_hash,
		created_at, last_used_at, revoked_at FROM api_keys WHERE key_hash = ?`, keyHash)
	return scanAPIKey(row)
}

// ListAPIKeys returns an agent's keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, agentID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, agent_id, name, key_hash,
		created_at, last_used_at, revoked_at FROM api_keys
		WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKey
	for rows.Next() {
		var k apiKeyScan
		if err := rows.Scan(&k.keyID, &k.agentID, &k.name, &k.keyHash,
			&k.createdAt, &k.lastUsedAt, &k.revokedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k.apiKey())
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks one of the agent's keys revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, agentID, keyID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ?
		WHERE key_id = ? AND agent_id = ? AND revoked_at = ''`,
		formatTime(now), keyID, agentID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRow(res)
}

// TouchAPIKey records the key's most recent use. Failures are ignored by
// callers since the timestamp is advisory.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`, formatTime(now), keyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

type apiKeyScan struct {
	keyID, agentID, name, keyHash    string
	createdAt, lastUsedAt, revokedAt string
}

func (sc *apiKeyScan) apiKey() APIKey {
	return APIKey{
		KeyID:      sc.keyID,
		AgentID:    sc.agentID,
		Name:       sc.name,
		KeyHash:    sc.keyHash,
		CreatedAt:  parseTime(sc.createdAt),
		LastUsedAt: parseTime(sc.lastUsedAt),
		RevokedAt:  parseTime(sc.revokedAt),
	}
}

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	var sc apiKeyScan
	err := row.Scan(&sc.keyID, &sc.agentID, &sc.name, &sc.keyHash,
		&sc.createdAt, &sc.lastUsedAt, &sc.revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k := sc.apiKey()
	return &k, nil
}

// AuditEvent is one durable row of the request audit trail.
type AuditEvent struct {
	AuditID   string    `json:"auditId"`
	RequestID string    `json:"requestId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// InsertAuditEvent appends one audit row.
func (s *Store) InsertAuditEvent(ctx context.Context, ev *AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
		(audit_id, request_id, agent_id, method, path, outcome, code, ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AuditID, ev.RequestID, ev.AgentID, ev.Method, ev.Path,
		ev.Outcome, ev.Code, ev.IP, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the newest audit rows up to limit.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT audit_id, request_id, agent_id,
		method, path, outcome, code, ip, created_at
		FROM audit_events ORDER BY created_at DESC, audit_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev        AuditEvent
			createdAt string
		)
		if err := rows.Scan(&ev.AuditID, &ev.RequestID, &ev.AgentID, &ev.Method,
			&ev.Path, &ev.Outcome, &ev.Code, &ev.IP, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
