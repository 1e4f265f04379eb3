package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
)

// Client mints one seal receipt. Implementations must be safe for
// concurrent use and must respect ctx on every attempt.
type Client interface {
	Mint(ctx context.Context, req *WorkerSealRequest) (*WorkerSealResult, error)
}

// NewClientFromConfig selects the worker transport.
func NewClientFromConfig(cfg *config.Config) Client {
	switch cfg.MintWorkerMode {
	case config.ModeRPC, config.ModeHTTP:
		return NewHTTPClient(cfg.MintWorkerURL, cfg.WorkerToken,
			cfg.Profile.Seal.MaxAttempts,
			time.Duration(cfg.Profile.Seal.TimeoutSeconds)*time.Second)
	default:
		return &Stub{}
	}
}

// Stub synthesises deterministic identifiers so repeated dispatches of the
// same job produce byte-identical receipts.
type Stub struct{}

func (s *Stub) Mint(_ context.Context, req *WorkerSealRequest) (*WorkerSealResult, error) {
	if req.VerdictHash == "" {
		return nil, fmt.Errorf("stub mint: request has no verdict hash")
	}
	metadataURI := "stub://decisions/" + req.CaseID
	if req.BundleArchive != "" {
		metadataURI = "archive://" + req.BundleArchive
	}
	return &WorkerSealResult{
		JobID:       req.JobID,
		CaseID:      req.CaseID,
		Status:      ResultMinted,
		VerdictHash: req.VerdictHash,
		AssetID:     "stub-asset-" + req.VerdictHash[:16],
		TxSig:       "stub-tx-" + req.VerdictHash[:32],
		MetadataURI: metadataURI,
	}, nil
}

// HTTPClient posts seal requests to the mint worker. Transient failures are
// retried with doubled, jittered backoff inside the per-call deadline.
type HTTPClient struct {
	url      string
	token    string
	attempts int
	httpc    *http.Client
}

func NewHTTPClient(url, token string, attempts int, timeout time.Duration) *HTTPClient {
	if attempts < 1 {
		attempts = 3
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:      url,
		token:    token,
		attempts: attempts,
		httpc:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Mint(ctx context.Context, req *WorkerSealRequest) (*WorkerSealResult, error) {
	if c.url == "" {
		return nil, fmt.Errorf("mint worker url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode seal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		result, retryable, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt == c.attempts {
			break
		}
		backoff := time.Duration(attempt) * 500 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("mint worker: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (*WorkerSealResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("worker returned %d: %s", resp.StatusCode, truncate(raw, 200))
	default:
		return nil, false, fmt.Errorf("worker rejected request with %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var result WorkerSealResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("worker response unreadable: %w", err)
	}
	return &result, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
