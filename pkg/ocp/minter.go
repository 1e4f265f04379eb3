package ocp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// MintResult is the on-chain half of a receipt. Status degrades to failed
// rather than erroring; the receipt row is the durable proof either way.
type MintResult struct {
	Status      store.MintStatus
	AssetID     string
	TxSig       string
	MetadataURI string
	Error       string
}

// Minter commits one sealed agreement to the external mint worker.
type Minter interface {
	MintReceipt(ctx context.Context, a *store.Agreement) *MintResult
}

// NewMinterFromConfig returns the worker selected by MINT_WORKER_MODE.
func NewMinterFromConfig(cfg *config.Config) Minter {
	if cfg.MintWorkerMode == config.ModeRPC || cfg.MintWorkerMode == config.ModeHTTP {
		timeout := time.Duration(cfg.Profile.Seal.TimeoutSeconds) * time.Second
		return NewHTTPMinter(cfg.MintWorkerURL, cfg.WorkerToken, timeout)
	}
	return StubMinter{}
}

// StubMinter derives deterministic identifiers from the terms hash so local
// runs and tests produce stable receipts.
type StubMinter struct{}

func (StubMinter) MintReceipt(_ context.Context, a *store.Agreement) *MintResult {
	return &MintResult{
		Status:      store.MintStub,
		AssetID:     "stub-asset-" + a.TermsHash[:16],
		TxSig:       "stub-tx-" + a.TermsHash[:32],
		MetadataURI: "stub://agreements/" + a.AgreementCode,
	}
}

// HTTPMinter posts the receipt request to the mint worker.
type HTTPMinter struct {
	url   string
	token string
	httpc *http.Client
}

func NewHTTPMinter(url, token string, timeout time.Duration) *HTTPMinter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPMinter{url: url, token: token, httpc: &http.Client{Timeout: timeout}}
}

type mintRequest struct {
	ProposalID    string `json:"proposalId"`
	AgreementCode string `json:"agreementCode"`
	TermsHash     string `json:"termsHash"`
	PartyA        string `json:"partyA"`
	PartyB        string `json:"partyB"`
}

type mintResponse struct {
	AssetID     string `json:"assetId"`
	TxSig       string `json:"txSig"`
	MetadataURI string `json:"metadataUri"`
	Error       string `json:"error,omitempty"`
}

func (m *HTTPMinter) MintReceipt(ctx context.Context, a *store.Agreement) *MintResult {
	failed := func(err error) *MintResult {
		return &MintResult{Status: store.MintFailed, Error: err.Error()}
	}

	body, err := json.Marshal(mintRequest{
		ProposalID:    a.ProposalID,
		AgreementCode: a.AgreementCode,
		TermsHash:     a.TermsHash,
		PartyA:        a.PartyA,
		PartyB:        a.PartyB,
	})
	if err != nil {
		return failed(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return failed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("X-Worker-Token", m.token)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return failed(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed(fmt.Errorf("mint worker returned %d", resp.StatusCode))
	}
	var out mintResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return failed(fmt.Errorf("mint worker response: %w", err))
	}
	if out.Error != "" {
		return &MintResult{Status: store.MintFailed, Error: out.Error}
	}
	return &MintResult{
		Status:      store.MintMinted,
		AssetID:     out.AssetID,
		TxSig:       out.TxSig,
		MetadataURI: out.MetadataURI,
	}
}
