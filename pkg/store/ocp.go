package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgreementStatus is the lifecycle label of a proposal.
type AgreementStatus string

const (
	AgreementPending   AgreementStatus = "pending"
	AgreementAccepted  AgreementStatus = "accepted"
	AgreementSealed    AgreementStatus = "sealed"
	AgreementExpired   AgreementStatus = "expired"
	AgreementCancelled AgreementStatus = "cancelled"
	AgreementSuspended AgreementStatus = "suspended"
)

// Active reports whether the agreement still binds the duplicate rule for
// its (partyA, partyB, termsHash) triple.
func (s AgreementStatus) Active() bool {
	return s == AgreementPending || s == AgreementAccepted || s == AgreementSealed
}

// Agreement is one proposed or concluded contract between two agents.
type Agreement struct {
	ProposalID         string          `json:"proposalId"`
	PartyA             string          `json:"partyA"`
	PartyB             string          `json:"partyB"`
	Mode               string          `json:"mode"`
	CanonicalTermsJSON string          `json:"-"`
	TermsHash          string          `json:"termsHash"`
	AgreementCode      string          `json:"agreementCode"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	Status             AgreementStatus `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// AgreementSignature is one party's attestation over the canonical terms.
type AgreementSignature struct {
	ProposalID string    `json:"proposalId"`
	Party      string    `json:"party"`
	AgentID    string    `json:"agentId"`
	Sig        string    `json:"sig"`
	CreatedAt  time.Time `json:"createdAt"`
}

const agreementColumns = `proposal_id, party_a, party_b, mode, canonical_terms_json,
	terms_hash, agreement_code, expires_at, status, created_at, updated_at`

// CreateAgreement inserts the proposal and party A's signature in one
// transaction. A duplicate agreement code loses to ErrConflict.
func (s *Store) CreateAgreement(ctx context.Context, a *Agreement, sigA *AgreementSignature) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(a.CreatedAt)
		_, err := tx.ExecContext(ctx, `INSERT INTO agreements (
			proposal_id, party_a, party_b, mode, canonical_terms_json,
			terms_hash, agreement_code, expires_at, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ProposalID, a.PartyA, a.PartyB, a.Mode, a.CanonicalTermsJSON,
			a.TermsHash, a.AgreementCode, formatTime(a.ExpiresAt),
			string(a.Status), now, now)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert agreement: %w", err)
		}
		return insertAgreementSignature(ctx, tx, sigA)
	})
}

func insertAgreementSignature(ctx context.Context, tx *sql.Tx, sig *AgreementSignature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agreement_signatures
		(proposal_id, party, agent_id, sig, created_at) VALUES (?, ?, ?, ?, ?)`,
		sig.ProposalID, sig.Party, sig.AgentID, sig.Sig, formatTime(sig.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert agreement signature: %w", err)
	}
	return nil
}

// GetAgreement loads a proposal by id.
func (s *Store) GetAgreement(ctx context.Context, proposalID string) (*Agreement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE proposal_id = ?`, proposalID)
	return scanAgreement(row)
}

// GetAgreementByCode loads a proposal by its short verification code.
func (s *Store) GetAgreementByCode(ctx context.Context, code string) (*Agreement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE agreement_code = ?`, code)
	return scanAgreement(row)
}

// FindActiveAgreement returns an agreement in a live status for the ordered
// pair and terms hash, or ErrNotFound.
func (s *Store) FindActiveAgreement(ctx context.Context, partyA, partyB, termsHash string) (*Agreement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements
		WHERE party_a = ? AND party_b = ? AND terms_hash = ?
		  AND status IN ('pending', 'accepted', 'sealed')
		LIMIT 1`, partyA, partyB, termsHash)
	return scanAgreement(row)
}

// AcceptAgreementTx moves a pending agreement to accepted and records party
// B's signature, inside the caller's transaction.
func (s *Store) AcceptAgreementTx(ctx context.Context, tx *sql.Tx, proposalID string, sigB *AgreementSignature, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE agreements
		SET status = 'accepted', updated_at = ?
		WHERE proposal_id = ? AND status = 'pending'`,
		formatTime(now), proposalID)
	if err != nil {
		return fmt.Errorf("accept agreement: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return insertAgreementSignature(ctx, tx, sigB)
}

// SealAgreementTx moves an accepted agreement to sealed.
func (s *Store) SealAgreementTx(ctx context.Context, tx *sql.Tx, proposalID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE agreements
		SET status = 'sealed', updated_at = ?
		WHERE proposal_id = ? AND status = 'accepted'`,
		formatTime(now), proposalID)
	if err != nil {
		return fmt.Errorf("seal agreement: %w", err)
	}
	return requireRow(res)
}

// ExpireAgreement moves a pending agreement past its deadline to expired.
func (s *Store) ExpireAgreement(ctx context.Context, proposalID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agreements
		SET status = 'expired', updated_at = ?
		WHERE proposal_id = ? AND status = 'pending'`,
		formatTime(now), proposalID)
	if err != nil {
		return fmt.Errorf("expire agreement: %w", err)
	}
	return requireRow(res)
}

// SetAgreementStatus applies an operator transition (cancel or suspend).
// Only pending agreements move.
func (s *Store) SetAgreementStatus(ctx context.Context, proposalID string, to AgreementStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agreements
		SET status = ?, updated_at = ?
		WHERE proposal_id = ? AND status = 'pending'`,
		string(to), formatTime(now), proposalID)
	if err != nil {
		return fmt.Errorf("set agreement status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either unknown or no longer pending. Callers resolve the 404
		// case with GetAgreement before mutating.
		return ErrConflict
	}
	return nil
}

// ListAgreementSignatures returns the recorded signatures for a proposal,
// party A first.
func (s *Store) ListAgreementSignatures(ctx context.Context, proposalID string) ([]AgreementSignature, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT proposal_id, party, agent_id, sig, created_at
		FROM agreement_signatures WHERE proposal_id = ? ORDER BY party`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list agreement signatures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sigs []AgreementSignature
	for rows.Next() {
		var (
			sig       AgreementSignature
			createdAt string
		)
		if err := rows.Scan(&sig.ProposalID, &sig.Party, &sig.AgentID, &sig.Sig, &createdAt); err != nil {
			return nil, err
		}
		sig.CreatedAt = parseTime(createdAt)
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

func scanAgreement(row *sql.Row) (*Agreement, error) {
	var (
		a                               Agreement
		status                          string
		expiresAt, createdAt, updatedAt string
	)
	err := row.Scan(&a.ProposalID, &a.PartyA, &a.PartyB, &a.Mode, &a.CanonicalTermsJSON,
		&a.TermsHash, &a.AgreementCode, &expiresAt, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agreement: %w", err)
	}
	a.Status = AgreementStatus(status)
	a.ExpiresAt = parseTime(expiresAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// MintStatus labels how a receipt's on-chain half went.
type MintStatus string

const (
	MintStub    MintStatus = "stub"
	MintMinted  MintStatus = "minted"
	MintSkipped MintStatus = "skipped"
	MintFailed  MintStatus = "failed"
)

// Receipt is the durable proof row written when an agreement seals.
type Receipt struct {
	ReceiptID     string     `json:"receiptId"`
	ProposalID    string     `json:"proposalId"`
	AgreementCode string     `json:"agreementCode"`
	TermsHash     string     `json:"termsHash"`
	MintStatus    MintStatus `json:"mintStatus"`
	AssetID       string     `json:"assetId,omitempty"`
	TxSig         string     `json:"txSig,omitempty"`
	MetadataURI   string     `json:"metadataUri,omitempty"`
	ArchiveHash   string     `json:"archiveHash,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CreateReceiptTx writes the seal receipt; one per proposal.
func (s *Store) CreateReceiptTx(ctx context.Context, tx *sql.Tx, r *Receipt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ocp_receipts (
		receipt_id, proposal_id, agreement_code, terms_hash, mint_status,
		asset_id, tx_sig, metadata_uri, archive_hash, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.ProposalID, r.AgreementCode, r.TermsHash, string(r.MintStatus),
		r.AssetID, r.TxSig, r.MetadataURI, r.ArchiveHash, formatTime(r.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetReceiptByProposal loads the receipt for a sealed agreement.
func (s *Store) GetReceiptByProposal(ctx context.Context, proposalID string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT receipt_id, proposal_id, agreement_code,
		terms_hash, mint_status, asset_id, tx_sig, metadata_uri, archive_hash, created_at
		FROM ocp_receipts WHERE proposal_id = ?`, proposalID)
	var (
		r          Receipt
		mintStatus string
		createdAt  string
	)
	err := row.Scan(&r.ReceiptID, &r.ProposalID, &r.AgreementCode, &r.TermsHash,
		&mintStatus, &r.AssetID, &r.TxSig, &r.MetadataURI, &r.ArchiveHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	r.MintStatus = MintStatus(mintStatus)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// DecisionStatus is the lifecycle label of a multi-signer decision.
type DecisionStatus string

const (
	DecisionDraft  DecisionStatus = "draft"
	DecisionSealed DecisionStatus = "sealed"
)

// Decision is an N-of-M signed governance payload.
type Decision struct {
	DecisionID  string         `json:"decisionId"`
	Title       string         `json:"title,omitempty"`
	PayloadJSON string         `json:"-"`
	PayloadHash string         `json:"payloadHash"`
	Threshold   int            `json:"threshold"`
	Signers     []string       `json:"signers"`
	Status      DecisionStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	SealedAt    time.Time      `json:"sealedAt,omitempty"`
}

// DecisionSignature is one authorised signer's attestation.
type DecisionSignature struct {
	DecisionID string    `json:"decisionId"`
	AgentID    string    `json:"agentId"`
	Sig        string    `json:"sig"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreateDecision inserts a draft decision.
func (s *Store) CreateDecision(ctx context.Context, d *Decision) error {
	signers, err := json.Marshal(d.Signers)
	if err != nil {
		return fmt.Errorf("encode signers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO ocp_decisions (
		decision_id, title, payload_json, payload_hash, threshold, signers,
		status, created_at, sealed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')`,
		d.DecisionID, d.Title, d.PayloadJSON, d.PayloadHash, d.Threshold,
		string(signers), string(d.Status), formatTime(d.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision loads a decision by id.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT decision_id, title, payload_json,
		payload_hash, threshold, signers, status, created_at, sealed_at
		FROM ocp_decisions WHERE decision_id = ?`, decisionID)
	var (
		d                   Decision
		signers, status     string
		createdAt, sealedAt string
	)
	err := row.Scan(&d.DecisionID, &d.Title, &d.PayloadJSON, &d.PayloadHash,
		&d.Threshold, &signers, &status, &createdAt, &sealedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	if err := json.Unmarshal([]byte(signers), &d.Signers); err != nil {
		return nil, fmt.Errorf("decode signers: %w", err)
	}
	d.Status = DecisionStatus(status)
	d.CreatedAt = parseTime(createdAt)
	d.SealedAt = parseTime(sealedAt)
	return &d, nil
}

// AddDecisionSignature records one signer's attestation exactly once.
func (s *Store) AddDecisionSignature(ctx context.Context, sig *DecisionSignature) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ocp_decision_signatures
		(decision_id, agent_id, sig, created_at) VALUES (?, ?, ?, ?)`,
		sig.DecisionID, sig.AgentID, sig.Sig, formatTime(sig.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert decision signature: %w", err)
	}
	return nil
}

// ListDecisionSignatures returns the collected attestations in signer order.
func (s *Store) ListDecisionSignatures(ctx context.Context, decisionID string) ([]DecisionSignature, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT decision_id, agent_id, sig, created_at
		FROM ocp_decision_signatures WHERE decision_id = ? ORDER BY agent_id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list decision signatures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sigs []DecisionSignature
	for rows.Next() {
		var (
			sig       DecisionSignature
			createdAt string
		)
		if err := rows.Scan(&sig.DecisionID, &sig.AgentID, &sig.Sig, &createdAt); err != nil {
			return nil, err
		}
		sig.CreatedAt = parseTime(createdAt)
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// SealDecision moves a draft decision to sealed once the threshold is met.
func (s *Store) SealDecision(ctx context.Context, decisionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ocp_decisions
		SET status = 'sealed', sealed_at = ?
		WHERE decision_id = ? AND status = 'draft'`,
		formatTime(now), decisionID)
	if err != nil {
		return fmt.Errorf("seal decision: %w", err)
	}
	return requireRow(res)
}
