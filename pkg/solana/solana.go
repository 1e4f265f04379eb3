// Package solana verifies treasury fee payments. The court never constructs
// or submits transactions; it only checks that a signature the caller names
// is finalised and credits the treasury by at least the asked fee.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
)

// Payment is the verified treasury credit extracted from one transaction.
type Payment struct {
	TxSig     string `json:"txSig"`
	Payer     string `json:"payer,omitempty"`
	Lamports  uint64 `json:"lamports"`
	Finalized bool   `json:"finalized"`
}

// Client verifies a treasury payment by transaction signature.
type Client interface {
	VerifyTreasuryPayment(ctx context.Context, txSig string) (*Payment, error)
}

// NewFromConfig returns the verifier selected by SOLANA_MODE.
func NewFromConfig(cfg *config.Config) Client {
	if cfg.SolanaMode == config.ModeRPC || cfg.SolanaMode == config.ModeHTTP {
		return NewRPCClient(cfg.SolanaRPCURL, cfg.TreasuryAddress)
	}
	return Stub{}
}

// Stub accepts every signature with a fixed one-SOL credit. The payer is
// left empty so payer-match checks are skipped in stub deployments.
type Stub struct{}

func (Stub) VerifyTreasuryPayment(_ context.Context, txSig string) (*Payment, error) {
	if txSig == "" {
		return nil, fmt.Errorf("solana: empty transaction signature")
	}
	return &Payment{TxSig: txSig, Lamports: 1_000_000_000, Finalized: true}, nil
}

// RPCClient checks transactions over Solana JSON-RPC with finalized
// commitment.
type RPCClient struct {
	url      string
	treasury string
	httpc    *http.Client
	retries  int
}

// NewRPCClient builds a verifier for the treasury at treasuryAddress.
func NewRPCClient(url, treasuryAddress string) *RPCClient {
	return &RPCClient{
		url:      url,
		treasury: treasuryAddress,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		retries:  2,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result *txResult `json:"result"`
	Error  *rpcError `json:"error"`
}

type txResult struct {
	Meta *struct {
		Err          any      `json:"err"`
		PreBalances  []uint64 `json:"preBalances"`
		PostBalances []uint64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// VerifyTreasuryPayment fetches the transaction at finalized commitment and
// computes the treasury's balance delta. A missing transaction, an errored
// transaction or a non-positive delta all fail verification.
func (c *RPCClient) VerifyTreasuryPayment(ctx context.Context, txSig string) (*Payment, error) {
	if txSig == "" {
		return nil, fmt.Errorf("solana: empty transaction signature")
	}
	res, err := c.getTransaction(ctx, txSig)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("solana: transaction %s not found at finalized commitment", txSig)
	}
	if res.Meta == nil {
		return nil, fmt.Errorf("solana: transaction %s has no metadata", txSig)
	}
	if res.Meta.Err != nil {
		return nil, fmt.Errorf("solana: transaction %s failed on chain", txSig)
	}

	keys := res.Transaction.Message.AccountKeys
	if len(keys) == 0 || len(res.Meta.PreBalances) != len(keys) || len(res.Meta.PostBalances) != len(keys) {
		return nil, fmt.Errorf("solana: transaction %s has malformed balances", txSig)
	}

	idx := -1
	for i, k := range keys {
		if k == c.treasury {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("solana: transaction %s does not touch the treasury", txSig)
	}
	pre, post := res.Meta.PreBalances[idx], res.Meta.PostBalances[idx]
	if post <= pre {
		return nil, fmt.Errorf("solana: transaction %s does not credit the treasury", txSig)
	}

	return &Payment{
		TxSig:     txSig,
		Payer:     keys[0],
		Lamports:  post - pre,
		Finalized: true,
	}, nil
}

func (c *RPCClient) getTransaction(ctx context.Context, txSig string) (*txResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		res, err := c.getTransactionOnce(ctx, txSig)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("solana: getTransaction %s: %w", txSig, lastErr)
}

func (c *RPCClient) getTransactionOnce(ctx context.Context, txSig string) (*txResult, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []any{txSig, map[string]any{
			"encoding":                       "json",
			"commitment":                     "finalized",
			"maxSupportedTransactionVersion": 0,
		}},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}
