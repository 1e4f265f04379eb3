// Package ocp implements the agreement protocol: two agents canonicalise a
// terms document, co-sign its attestation and seal the contract with a
// durable receipt. Proposals, signatures, receipts and multisig decisions
// live in the OCP store; sealed parties are cross-registered into the court
// store so either side can later file or defend a case.
package ocp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/archive"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/solana"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

// DefaultProposalTTL bounds how long a proposal waits for party B when the
// request names no expiry.
const DefaultProposalTTL = 72 * time.Hour

// Service carries the agreement protocol.
type Service struct {
	st      *store.Store
	court   *store.Store
	fees    solana.Client
	minter  Minter
	bundles archive.Store
	notify  webhook.Notifier
	logger  *slog.Logger

	feeLamports uint64
	payerMatch  bool

	now func() time.Time
}

// New wires the service. court may equal st when both protocols share one
// database; bundles and notify may be nil.
func New(st, court *store.Store, fees solana.Client, minter Minter, bundles archive.Store, notify webhook.Notifier, cfg *config.Config, logger *slog.Logger) *Service {
	if notify == nil {
		notify = webhook.Nop()
	}
	if minter == nil {
		minter = StubMinter{}
	}
	return &Service{
		st:          st,
		court:       court,
		fees:        fees,
		minter:      minter,
		bundles:     bundles,
		notify:      notify,
		logger:      logger.With("component", "ocp"),
		feeLamports: cfg.AgreementFeeLamports,
		payerMatch:  cfg.RequireFeePayerMatch,
		now:         time.Now,
	}
}

// ProposeRequest is party A's signed offer. The caller signs the attestation
// over exactly these fields, so the proposal id and expiry are chosen client
// side.
type ProposeRequest struct {
	ProposalID string          `json:"proposalId"`
	PartyB     string          `json:"partyB"`
	Mode       string          `json:"mode,omitempty"`
	Terms      json.RawMessage `json:"terms"`
	ExpiresAt  string          `json:"expiresAt,omitempty"`
	SigA       string          `json:"sigA"`
	FeeTxSig   string          `json:"feeTxSig,omitempty"`
}

// Propose verifies party A's attestation and records the pending agreement.
func (s *Service) Propose(ctx context.Context, partyA string, req *ProposeRequest) (*store.Agreement, error) {
	now := s.now().UTC()

	if req.ProposalID == "" {
		return nil, api.Input(api.CodeInvalidRequest, "proposalId is required.")
	}
	if req.PartyB == "" || req.PartyB == partyA {
		return nil, api.Input(api.CodeInvalidRequest, "partyB must name a counterparty distinct from the proposer.")
	}
	if _, err := crypto.PublicKeyFromAgentID(req.PartyB); err != nil {
		return nil, api.Input(api.CodeInvalidRequest, "partyB is not a valid agent id.")
	}
	if len(req.Terms) == 0 {
		return nil, api.Input(api.CodeInvalidRequest, "terms document is required.")
	}
	mode := req.Mode
	if mode == "" {
		mode = "public"
	}
	if mode != "public" && mode != "private" {
		return nil, api.Input(api.CodeInvalidRequest, "mode must be public or private.")
	}

	expiresAt := now.Add(DefaultProposalTTL)
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, api.Input(api.CodeInvalidRequest, "expiresAt must be RFC 3339.")
		}
		if !parsed.After(now) {
			return nil, api.Input(api.CodeInvalidRequest, "expiresAt must be in the future.")
		}
		expiresAt = parsed.UTC()
	}

	terms, err := canonicalize.BuildCanonicalTerms(req.Terms)
	if err != nil {
		return nil, api.Input(api.CodeInvalidRequest, "Terms are not a canonicalisable JSON object.")
	}

	digest := attestationDigest(req.ProposalID, terms.TermsHash, terms.AgreementCode,
		partyA, req.PartyB, expiresAt)
	if !crypto.VerifyDigest(partyA, req.SigA, digest) {
		return nil, api.Auth(api.CodeSignatureInvalid, "Party A attestation signature does not verify.")
	}

	if _, err := s.st.FindActiveAgreement(ctx, partyA, req.PartyB, terms.TermsHash); err == nil {
		return nil, api.Conflict(api.CodeDuplicateAgreement,
			"An active agreement with identical terms already exists for this pair.")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if s.feeLamports > 0 {
		if err := s.verifyFee(ctx, partyA, req.FeeTxSig, now); err != nil {
			return nil, err
		}
	}

	a := &store.Agreement{
		ProposalID:         req.ProposalID,
		PartyA:             partyA,
		PartyB:             req.PartyB,
		Mode:               mode,
		CanonicalTermsJSON: string(terms.CanonicalJSON),
		TermsHash:          terms.TermsHash,
		AgreementCode:      terms.AgreementCode,
		ExpiresAt:          expiresAt,
		Status:             store.AgreementPending,
		CreatedAt:          now,
	}
	sigA := &store.AgreementSignature{
		ProposalID: req.ProposalID,
		Party:      "A",
		AgentID:    partyA,
		Sig:        req.SigA,
		CreatedAt:  now,
	}
	if err := s.st.CreateAgreement(ctx, a, sigA); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, api.Conflict(api.CodeConflict, "Proposal id or agreement code already recorded.")
		}
		return nil, err
	}

	s.notifyParty(ctx, req.PartyB, webhook.EventAgreementProposed, a, map[string]any{
		"partyA":    partyA,
		"termsHash": terms.TermsHash,
	})
	s.logger.Info("agreement proposed",
		"proposalId", a.ProposalID, "code", a.AgreementCode, "partyA", partyA, "partyB", req.PartyB)
	return a, nil
}

// verifyFee checks the referenced treasury payment: finalised, large enough,
// unconsumed and, when configured, paid by the proposer.
func (s *Service) verifyFee(ctx context.Context, partyA, txSig string, now time.Time) error {
	if txSig == "" {
		return api.Input(api.CodeInvalidRequest, "feeTxSig is required while the proposal fee is enabled.")
	}
	payment, err := s.fees.VerifyTreasuryPayment(ctx, txSig)
	if err != nil {
		return api.Dependency("Treasury payment could not be verified.", true, err)
	}
	if !payment.Finalized {
		return api.Input(api.CodeInvalidRequest, "Fee transaction is not finalised.")
	}
	if payment.Lamports < s.feeLamports {
		return api.Input(api.CodeInvalidRequest,
			fmt.Sprintf("Fee transaction credits %d lamports; %d required.", payment.Lamports, s.feeLamports))
	}
	if s.payerMatch && payment.Payer != "" && payment.Payer != partyA {
		return api.Forbidden(api.CodeForbidden, "Fee transaction was not paid by the proposer.")
	}
	if err := s.st.ConsumeTreasuryTx(ctx, txSig, "agreement_fee", partyA, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return api.Conflict(api.CodeTreasuryTxConsumed, "Fee transaction has already been used.")
		}
		return err
	}
	return nil
}

// Accept seals the agreement: party B's signature is verified, then both
// signatures are re-checked against the stored canonical digest before the
// receipt is written and the mint worker runs.
func (s *Service) Accept(ctx context.Context, caller string, proposalID, sigB string) (*store.Agreement, *store.Receipt, error) {
	now := s.now().UTC()

	a, err := s.st.GetAgreement(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, api.NotFound("No such proposal.")
		}
		return nil, nil, err
	}
	if caller != a.PartyB {
		return nil, nil, api.Forbidden(api.CodeForbidden, "Only the named party B may accept.")
	}
	if a.Status == store.AgreementPending && now.After(a.ExpiresAt) {
		if err := s.st.ExpireAgreement(ctx, proposalID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, api.Conflict(api.CodeDeadlinePassed, "Proposal expired before acceptance.")
	}
	// accepted means a prior call recorded sigB but crashed before the
	// receipt; resume sealing instead of rejecting
	if a.Status != store.AgreementPending && a.Status != store.AgreementAccepted {
		return nil, nil, api.Conflict(api.CodeConflict,
			fmt.Sprintf("Proposal is %s and cannot be accepted.", a.Status))
	}

	digest := attestationDigest(a.ProposalID, a.TermsHash, a.AgreementCode,
		a.PartyA, a.PartyB, a.ExpiresAt)
	if !crypto.VerifyDigest(caller, sigB, digest) {
		return nil, nil, api.Auth(api.CodeSignatureInvalid, "Party B attestation signature does not verify.")
	}
	sigs, err := s.st.ListAgreementSignatures(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	for _, sig := range sigs {
		if sig.Party == "A" && !crypto.VerifyDigest(sig.AgentID, sig.Sig, digest) {
			return nil, nil, api.Auth(api.CodeSignatureInvalid, "Stored party A signature no longer verifies.")
		}
	}

	if a.Status == store.AgreementPending {
		err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
			return s.st.AcceptAgreementTx(ctx, tx, proposalID, &store.AgreementSignature{
				ProposalID: proposalID,
				Party:      "B",
				AgentID:    caller,
				Sig:        sigB,
				CreatedAt:  now,
			}, now)
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
				return nil, nil, api.Conflict(api.CodeConflict, "Proposal was accepted concurrently.")
			}
			return nil, nil, err
		}
	}

	var archiveHash string
	if s.bundles != nil {
		addr, err := s.bundles.Put(ctx, []byte(a.CanonicalTermsJSON))
		if err != nil {
			s.logger.Warn("agreement terms not archived", "proposalId", proposalID, "error", err)
		} else {
			archiveHash = addr
		}
	}

	mint := s.minter.MintReceipt(ctx, a)
	receipt := &store.Receipt{
		ReceiptID:     uuid.NewString(),
		ProposalID:    a.ProposalID,
		AgreementCode: a.AgreementCode,
		TermsHash:     a.TermsHash,
		MintStatus:    mint.Status,
		AssetID:       mint.AssetID,
		TxSig:         mint.TxSig,
		MetadataURI:   mint.MetadataURI,
		ArchiveHash:   archiveHash,
		CreatedAt:     now,
	}
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.st.CreateReceiptTx(ctx, tx, receipt); err != nil {
			return err
		}
		return s.st.SealAgreementTx(ctx, tx, proposalID, now)
	})
	if err != nil {
		return nil, nil, err
	}
	a.Status = store.AgreementSealed
	a.UpdatedAt = now

	s.crossRegister(ctx, a.PartyA, a.PartyB, now)

	body := map[string]any{"termsHash": a.TermsHash, "mintStatus": string(mint.Status)}
	s.notifyParty(ctx, a.PartyA, webhook.EventAgreementSealed, a, body)
	s.notifyParty(ctx, a.PartyB, webhook.EventAgreementSealed, a, body)
	s.logger.Info("agreement sealed",
		"proposalId", a.ProposalID, "code", a.AgreementCode, "mint", string(mint.Status))
	return a, receipt, nil
}

// crossRegister ensures both parties exist in the court store so a dispute
// over this agreement can be filed without a separate registration step.
func (s *Service) crossRegister(ctx context.Context, partyA, partyB string, now time.Time) {
	if s.court == nil {
		return
	}
	for _, id := range []string{partyA, partyB} {
		if err := s.court.EnsureAgent(ctx, id, now); err != nil {
			s.logger.Warn("court cross-registration failed", "agentId", id, "error", err)
		}
	}
}

// Cancel and Suspend apply operator transitions to a pending proposal.
func (s *Service) Cancel(ctx context.Context, proposalID string) (*store.Agreement, error) {
	return s.transition(ctx, proposalID, store.AgreementCancelled)
}

func (s *Service) Suspend(ctx context.Context, proposalID string) (*store.Agreement, error) {
	return s.transition(ctx, proposalID, store.AgreementSuspended)
}

func (s *Service) transition(ctx context.Context, proposalID string, to store.AgreementStatus) (*store.Agreement, error) {
	now := s.now().UTC()
	a, err := s.st.GetAgreement(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.NotFound("No such proposal.")
		}
		return nil, err
	}
	if err := s.st.SetAgreementStatus(ctx, proposalID, to, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, api.Conflict(api.CodeConflict,
				fmt.Sprintf("Proposal is %s; only pending proposals may be %s.", a.Status, to))
		}
		return nil, err
	}
	a.Status = to
	a.UpdatedAt = now
	s.logger.Info("agreement transitioned", "proposalId", proposalID, "status", string(to))
	return a, nil
}

// Get returns one agreement by proposal id, lazily expiring it.
func (s *Service) Get(ctx context.Context, proposalID string) (*store.Agreement, error) {
	a, err := s.st.GetAgreement(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.NotFound("No such proposal.")
		}
		return nil, err
	}
	return s.lazyExpire(ctx, a)
}

// GetByCode returns one agreement by its quotable code.
func (s *Service) GetByCode(ctx context.Context, code string) (*store.Agreement, error) {
	a, err := s.st.GetAgreementByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.NotFound("No agreement carries that code.")
		}
		return nil, err
	}
	return s.lazyExpire(ctx, a)
}

func (s *Service) lazyExpire(ctx context.Context, a *store.Agreement) (*store.Agreement, error) {
	now := s.now().UTC()
	if a.Status == store.AgreementPending && now.After(a.ExpiresAt) {
		if err := s.st.ExpireAgreement(ctx, a.ProposalID, now); err == nil {
			a.Status = store.AgreementExpired
			a.UpdatedAt = now
		}
	}
	return a, nil
}

// SignatureCheck reports one recorded signature and whether it still
// verifies against the canonical digest.
type SignatureCheck struct {
	Party   string `json:"party"`
	AgentID string `json:"agentId"`
	Valid   bool   `json:"valid"`
}

// Verification is the public proof view of an agreement.
type Verification struct {
	ProposalID    string           `json:"proposalId"`
	AgreementCode string           `json:"agreementCode"`
	TermsHash     string           `json:"termsHash"`
	Status        string           `json:"status"`
	PartyA        string           `json:"partyA"`
	PartyB        string           `json:"partyB"`
	ExpiresAt     string           `json:"expiresAt"`
	Signatures    []SignatureCheck `json:"signatures"`
	Verified      bool             `json:"verified"`
	Receipt       *store.Receipt   `json:"receipt,omitempty"`
}

// Verify re-derives the attestation digest and checks every recorded
// signature, by proposal id or agreement code.
func (s *Service) Verify(ctx context.Context, proposalID, code string) (*Verification, error) {
	var (
		a   *store.Agreement
		err error
	)
	switch {
	case proposalID != "":
		a, err = s.Get(ctx, proposalID)
	case code != "":
		a, err = s.GetByCode(ctx, code)
	default:
		return nil, api.Input(api.CodeInvalidRequest, "proposalId or code is required.")
	}
	if err != nil {
		return nil, err
	}

	digest := attestationDigest(a.ProposalID, a.TermsHash, a.AgreementCode,
		a.PartyA, a.PartyB, a.ExpiresAt)
	sigs, err := s.st.ListAgreementSignatures(ctx, a.ProposalID)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		ProposalID:    a.ProposalID,
		AgreementCode: a.AgreementCode,
		TermsHash:     a.TermsHash,
		Status:        string(a.Status),
		PartyA:        a.PartyA,
		PartyB:        a.PartyB,
		ExpiresAt:     a.ExpiresAt.UTC().Format(time.RFC3339),
		Verified:      len(sigs) > 0,
	}
	for _, sig := range sigs {
		ok := crypto.VerifyDigest(sig.AgentID, sig.Sig, digest)
		v.Signatures = append(v.Signatures, SignatureCheck{Party: sig.Party, AgentID: sig.AgentID, Valid: ok})
		if !ok {
			v.Verified = false
		}
	}
	if a.Status == store.AgreementSealed {
		if receipt, err := s.st.GetReceiptByProposal(ctx, a.ProposalID); err == nil {
			v.Receipt = receipt
		}
	}
	return v, nil
}

func (s *Service) notifyParty(ctx context.Context, agentID, event string, a *store.Agreement, body map[string]any) {
	agent, err := s.st.GetAgent(ctx, agentID)
	if err != nil || agent.NotifyURL == "" {
		return
	}
	s.notify.Dispatch(ctx, agent.NotifyURL, webhook.Event{
		Event:         event,
		AgentID:       agentID,
		ProposalID:    a.ProposalID,
		AgreementCode: a.AgreementCode,
		Body:          body,
	})
}

func attestationDigest(proposalID, termsHash, code, partyA, partyB string, expiresAt time.Time) []byte {
	attestation := crypto.AgreementAttestation(proposalID, termsHash, code,
		partyA, partyB, expiresAt.UTC().Format(time.RFC3339))
	return crypto.Digest(attestation)
}
