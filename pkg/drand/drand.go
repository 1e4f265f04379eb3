// Package drand fetches public randomness rounds for jury selection. The
// stub client keeps single-node and test deployments deterministic without
// network access.
package drand

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Round is one beacon output.
type Round struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

// Client fetches randomness rounds.
type Client interface {
	// Latest returns the most recent round.
	Latest(ctx context.Context) (Round, error)
	// Get returns one specific round, for verifying a recorded draw.
	Get(ctx context.Context, round uint64) (Round, error)
}

// Stub is an offline beacon: rounds count up from a fixed origin and the
// randomness is derived from the round number, so draws stay reproducible.
type Stub struct {
	counter atomic.Uint64
}

// NewStub returns a stub beacon starting at round 1000000.
func NewStub() *Stub {
	s := &Stub{}
	s.counter.Store(999999)
	return s
}

// Latest advances the stub by one round per call so replacement draws see
// fresh randomness.
func (s *Stub) Latest(_ context.Context) (Round, error) {
	return stubRound(s.counter.Add(1)), nil
}

// Get re-derives a previously issued stub round.
func (s *Stub) Get(_ context.Context, round uint64) (Round, error) {
	return stubRound(round), nil
}

func stubRound(n uint64) Round {
	sum := sha256.Sum256([]byte("drand-stub|" + strconv.FormatUint(n, 10)))
	return Round{Round: n, Randomness: hex.EncodeToString(sum[:])}
}

// HTTPClient talks to a drand HTTP endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	retries int
}

// DefaultBaseURL is the public drand league of entropy API.
const DefaultBaseURL = "https://api.drand.sh"

// NewHTTPClient returns a client for the beacon at baseURL, with a short
// per-attempt timeout and a couple of retries. The tick loop tolerates a
// missed round far better than a hung one.
func NewHTTPClient(baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		retries: 2,
	}
}

// Latest returns the most recent public round.
func (c *HTTPClient) Latest(ctx context.Context) (Round, error) {
	return c.fetch(ctx, c.baseURL+"/public/latest")
}

// Get returns one specific public round.
func (c *HTTPClient) Get(ctx context.Context, round uint64) (Round, error) {
	return c.fetch(ctx, fmt.Sprintf("%s/public/%d", c.baseURL, round))
}

func (c *HTTPClient) fetch(ctx context.Context, url string) (Round, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Round{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		round, err := c.fetchOnce(ctx, url)
		if err == nil {
			return round, nil
		}
		lastErr = err
	}
	return Round{}, fmt.Errorf("drand: %s: %w", url, lastErr)
}

func (c *HTTPClient) fetchOnce(ctx context.Context, url string) (Round, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Round{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Round{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Round{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var round Round
	if err := json.NewDecoder(resp.Body).Decode(&round); err != nil {
		return Round{}, fmt.Errorf("decode: %w", err)
	}
	if round.Randomness == "" {
		return Round{}, fmt.Errorf("empty randomness")
	}
	return round, nil
}
