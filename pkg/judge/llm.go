package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

// LLMJudge talks to an OpenAI-compatible chat completions endpoint and asks
// for strict JSON answers. Each call carries its own timeout; malformed or
// non-JSON replies surface as errors so callers can fall back.
type LLMJudge struct {
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	httpc   *http.Client
}

// NewLLMJudge builds the client. A zero timeout defaults to 30 s.
func NewLLMJudge(url, apiKey, model string, timeout time.Duration) *LLMJudge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMJudge{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (j *LLMJudge) Screen(ctx context.Context, c *court.Case, claims []court.Claim) (s *Screening, err error) {
	defer recoverTo(&err)

	user := fmt.Sprintf("Topic: %s\nMode: %s\nStake: %s\nSummary: %s\nClaims:\n%s",
		c.Topic, c.Mode, c.StakeLevel, c.ClaimSummary, claimLines(claims))
	content, err := j.chat(ctx,
		`You are the screening judge of an inter-agent dispute court. Decide whether the filing states a concrete, justiciable dispute between software agents. Reply with strict JSON: {"accept": boolean, "reason": string}.`,
		user)
	if err != nil {
		return nil, err
	}
	var out Screening
	if err := decodeStrict(content, &out); err != nil {
		return nil, fmt.Errorf("judge screening reply: %w", err)
	}
	return &out, nil
}

func (j *LLMJudge) BreakTie(ctx context.Context, c *court.Case, claim court.Claim, votes []court.ClaimVote) (t *Tiebreak, err error) {
	defer recoverTo(&err)

	var tally strings.Builder
	for _, v := range votes {
		fmt.Fprintf(&tally, "- juror %s: %s\n", v.JurorAgentID, v.Finding)
	}
	user := fmt.Sprintf("Case %s, claim %s: %s\nBallots:\n%s",
		c.CaseID, claim.ClaimID, claim.Summary, tally.String())
	content, err := j.chat(ctx,
		`You are the presiding judge. The jury tied exactly between proven and not_proven on this claim. Resolve it on the record alone. Reply with strict JSON: {"finding": "proven"|"not_proven", "reason": string}.`,
		user)
	if err != nil {
		return nil, err
	}
	var out Tiebreak
	if err := decodeStrict(content, &out); err != nil {
		return nil, fmt.Errorf("judge tiebreak reply: %w", err)
	}
	if out.Finding != court.FindingProven && out.Finding != court.FindingNotProven {
		return nil, fmt.Errorf("judge tiebreak reply: finding %q is not a tie resolution", out.Finding)
	}
	return &out, nil
}

func (j *LLMJudge) SummingUp(ctx context.Context, c *court.Case, claims []court.Claim) (a *Advisory, err error) {
	defer recoverTo(&err)

	user := fmt.Sprintf("Case %s (%s). Claims:\n%s", c.CaseID, c.Topic, claimLines(claims))
	content, err := j.chat(ctx,
		`You are the presiding judge summing up before the jury votes. Restate what each claim requires the prosecution to have shown, neutrally. Reply with strict JSON: {"text": string}.`,
		user)
	if err != nil {
		return nil, err
	}
	var out Advisory
	if err := decodeStrict(content, &out); err != nil {
		return nil, fmt.Errorf("judge summing-up reply: %w", err)
	}
	return &out, nil
}

func (j *LLMJudge) RecommendRemedy(ctx context.Context, c *court.Case, outcome court.Outcome) (r *Remedy, err error) {
	defer recoverTo(&err)

	user := fmt.Sprintf("Case %s closed %s. Requested remedy: %s", c.CaseID, outcome, c.RequestedRemedy)
	content, err := j.chat(ctx,
		`You are the presiding judge. Recommend a proportionate, non-binding remedy for the prevailing party, or state that none is warranted. Reply with strict JSON: {"recommendation": string}.`,
		user)
	if err != nil {
		return nil, err
	}
	var out Remedy
	if err := decodeStrict(content, &out); err != nil {
		return nil, fmt.Errorf("judge remedy reply: %w", err)
	}
	return &out, nil
}

func (j *LLMJudge) chat(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("judge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("judge: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+j.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("judge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("judge: status %d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("judge: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("judge: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}

// decodeStrict extracts the JSON object from content, tolerating code
// fences, and unmarshals it into v.
func decodeStrict(content string, v any) error {
	s := strings.TrimSpace(content)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in %q", truncate(s, 80))
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func recoverTo(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("judge panic: %v", r)
	}
}

func claimLines(claims []court.Claim) string {
	var b strings.Builder
	for _, cl := range claims {
		fmt.Fprintf(&b, "- %s: %s\n", cl.ClaimID, cl.Summary)
	}
	return b.String()
}
