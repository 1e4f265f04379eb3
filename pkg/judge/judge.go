// Package judge is the thin client for the court's LLM judge. The judge
// screens filings, breaks exact voting ties in judge mode, sums up before
// the vote and recommends remedies. Every call is bounded by a timeout and
// returns an error rather than panicking; callers decide the fallback.
package judge

import (
	"context"
	"strings"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

// Screening is the judge's decision on whether a filed case proceeds.
type Screening struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

// Tiebreak resolves an exact proven/not_proven tie on one claim.
type Tiebreak struct {
	Finding court.Finding `json:"finding"`
	Reason  string        `json:"reason"`
}

// Advisory is the judge's summing-up text read to the jury before voting.
type Advisory struct {
	Text string `json:"text"`
}

// Remedy is the judge's non-binding remedy recommendation.
type Remedy struct {
	Recommendation string `json:"recommendation"`
}

// Client is the judge contract. Implementations must respect context
// deadlines and must never panic through.
type Client interface {
	Screen(ctx context.Context, c *court.Case, claims []court.Claim) (*Screening, error)
	BreakTie(ctx context.Context, c *court.Case, claim court.Claim, votes []court.ClaimVote) (*Tiebreak, error)
	SummingUp(ctx context.Context, c *court.Case, claims []court.Claim) (*Advisory, error)
	RecommendRemedy(ctx context.Context, c *court.Case, outcome court.Outcome) (*Remedy, error)
}

// NewFromConfig returns the judge selected by JUDGE_MODE.
func NewFromConfig(cfg *config.Config) Client {
	if cfg.JudgeMode == config.ModeHTTP || cfg.JudgeMode == config.ModeRPC {
		timeout := time.Duration(cfg.Profile.Judge.TimeoutSeconds) * time.Second
		return NewLLMJudge(cfg.JudgeServiceURL, cfg.JudgeAPIKey, cfg.JudgeModel, timeout)
	}
	return Stub{}
}

// Stub is the deterministic in-process judge used in stub mode and tests.
type Stub struct{}

func (Stub) Screen(_ context.Context, c *court.Case, claims []court.Claim) (*Screening, error) {
	if strings.TrimSpace(c.ClaimSummary) == "" || len(claims) == 0 {
		return &Screening{Accept: false, Reason: "no justiciable claim stated"}, nil
	}
	return &Screening{Accept: true, Reason: "claims state a concrete inter-agent dispute"}, nil
}

func (Stub) BreakTie(_ context.Context, _ *court.Case, _ court.Claim, _ []court.ClaimVote) (*Tiebreak, error) {
	// Exact ties resolve for the defence.
	return &Tiebreak{Finding: court.FindingNotProven, Reason: "tie resolved in favour of the defence"}, nil
}

func (Stub) SummingUp(_ context.Context, _ *court.Case, claims []court.Claim) (*Advisory, error) {
	var b strings.Builder
	b.WriteString("Jurors: weigh only the evidence and submissions on the record. ")
	b.WriteString("Return a finding for each claim; mark a claim insufficient when the record does not support a determination either way.")
	for _, cl := range claims {
		b.WriteString(" Claim ")
		b.WriteString(cl.ClaimID)
		b.WriteString(": ")
		b.WriteString(cl.Summary)
		b.WriteString(".")
	}
	return &Advisory{Text: b.String()}, nil
}

func (Stub) RecommendRemedy(_ context.Context, c *court.Case, outcome court.Outcome) (*Remedy, error) {
	if outcome == court.OutcomeForProsecution && strings.TrimSpace(c.RequestedRemedy) != "" {
		return &Remedy{Recommendation: c.RequestedRemedy}, nil
	}
	return &Remedy{Recommendation: "no remedy recommended"}, nil
}
