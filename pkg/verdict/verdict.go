// Package verdict turns the ballots of a closed case into per-claim tallies,
// an overall outcome and the canonical verdict bundle whose hash anchors the
// seal. The same inputs must produce the same hash on every node, so the
// bundle carries only stable fields and sorted arrays.
package verdict

import (
	"context"
	"sort"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

// Tiebreaker resolves an exact proven / not_proven tie on one claim. ok is
// false when the judge was unavailable, in which case the claim falls to
// insufficient just as it does in jury mode.
type Tiebreaker interface {
	BreakTie(ctx context.Context, c *court.Case, claim court.Claim, votes []court.ClaimVote) (court.Finding, string, bool)
}

// ClaimTally is the counted result for one claim.
type ClaimTally struct {
	ClaimID       string `json:"claimId"`
	Proven        int    `json:"proven"`
	NotProven     int    `json:"notProven"`
	Insufficient  int    `json:"insufficient"`
	Outcome       string `json:"outcome"`
	JudgeTiebreak bool   `json:"judgeTiebreak,omitempty"`
}

// Parties identifies the agents bound by the verdict.
type Parties struct {
	ProsecutionAgentID string `json:"prosecutionAgentId"`
	DefenceAgentID     string `json:"defenceAgentId,omitempty"`
	DefendantAgentID   string `json:"defendantAgentId,omitempty"`
}

// TiebreakRecord is the transcript-facing note of one judge tiebreak.
type TiebreakRecord struct {
	ClaimID   string `json:"claimId"`
	Finding   string `json:"finding"`
	Rationale string `json:"rationale,omitempty"`
}

// Bundle is the sealed summary of a case. Remedy recommendations stay off
// the bundle so its hash is independent of judge output.
type Bundle struct {
	CaseID           string           `json:"caseId"`
	Parties          Parties          `json:"parties"`
	Outcome          string           `json:"outcome"`
	ClosedAtISO      string           `json:"closedAtIso"`
	JurySize         int              `json:"jurySize"`
	ClaimTallies     []ClaimTally     `json:"claimTallies"`
	EvidenceHashes   []string         `json:"evidenceHashes"`
	SubmissionHashes []string         `json:"submissionHashes"`
	DrandRound       uint64           `json:"drandRound"`
	DrandRandomness  string           `json:"drandRandomness"`
	PoolSnapshotHash string           `json:"poolSnapshotHash"`
	JudgeTiebreaks   []TiebreakRecord `json:"judgeTiebreaks,omitempty"`
}

// Result is the computed verdict plus its canonical encoding.
type Result struct {
	Bundle       *Bundle
	BundleJSON   string
	VerdictHash  string
	Outcome      court.Outcome
	Inconclusive bool
	Tiebreaks    []TiebreakRecord
}

// Input collects everything the tally needs. Tiebreaker may be nil; ties
// then fall to insufficient regardless of mode.
type Input struct {
	Case        *court.Case
	Claims      []court.Claim
	Evidence    []court.Evidence
	Submissions []court.Submission
	Ballots     []court.Ballot
	ClosedAt    time.Time
	Tiebreaker  Tiebreaker
}

// Compute tallies the ballots and builds the canonical bundle.
//
// Per claim: a finding wins on a strict majority over both others; an exact
// proven / not_proven tie that beats insufficient goes to the judge in judge
// mode and to insufficient otherwise. Overall: a majority of claim outcomes
// decides; when every claim is insufficient the case is inconclusive, and a
// mixed tally with no majority resolves for the defence since the
// prosecution carries the burden.
func Compute(ctx context.Context, in Input) (*Result, error) {
	tallies := make([]ClaimTally, 0, len(in.Claims))
	var tiebreaks []TiebreakRecord

	for _, claim := range in.Claims {
		votes := votesForClaim(in.Ballots, claim.ClaimID)
		tally := ClaimTally{ClaimID: claim.ClaimID}
		for _, v := range votes {
			switch v.Finding {
			case court.FindingProven:
				tally.Proven++
			case court.FindingNotProven:
				tally.NotProven++
			default:
				tally.Insufficient++
			}
		}

		outcome := court.FindingInsufficient
		switch {
		case tally.Proven > tally.NotProven && tally.Proven > tally.Insufficient:
			outcome = court.FindingProven
		case tally.NotProven > tally.Proven && tally.NotProven > tally.Insufficient:
			outcome = court.FindingNotProven
		case tally.Proven == tally.NotProven && tally.Proven > tally.Insufficient:
			if in.Case.Mode == court.ModeJudge && in.Tiebreaker != nil {
				if finding, rationale, ok := in.Tiebreaker.BreakTie(ctx, in.Case, claim, votes); ok && court.ValidFinding(finding) {
					outcome = finding
					tally.JudgeTiebreak = true
					tiebreaks = append(tiebreaks, TiebreakRecord{
						ClaimID:   claim.ClaimID,
						Finding:   string(finding),
						Rationale: rationale,
					})
				}
			}
		}
		tally.Outcome = string(outcome)
		tallies = append(tallies, tally)
	}

	outcome, inconclusive := overallOutcome(tallies)

	bundle := &Bundle{
		CaseID: in.Case.CaseID,
		Parties: Parties{
			ProsecutionAgentID: in.Case.ProsecutionAgentID,
			DefenceAgentID:     in.Case.DefenceAgentID,
			DefendantAgentID:   in.Case.DefendantAgentID,
		},
		Outcome:          string(outcome),
		ClosedAtISO:      in.ClosedAt.UTC().Format(time.RFC3339),
		JurySize:         len(in.Ballots),
		ClaimTallies:     tallies,
		EvidenceHashes:   sortedEvidenceHashes(in.Evidence),
		SubmissionHashes: sortedSubmissionHashes(in.Submissions),
		DrandRound:       in.Case.DrandRound,
		DrandRandomness:  in.Case.DrandRandomness,
		PoolSnapshotHash: in.Case.PoolSnapshotHash,
		JudgeTiebreaks:   tiebreaks,
	}

	encoded, err := canonicalize.CanonicalString(bundle)
	if err != nil {
		return nil, err
	}
	return &Result{
		Bundle:       bundle,
		BundleJSON:   encoded,
		VerdictHash:  canonicalize.HashBytes([]byte(encoded)),
		Outcome:      outcome,
		Inconclusive: inconclusive,
		Tiebreaks:    tiebreaks,
	}, nil
}

func overallOutcome(tallies []ClaimTally) (court.Outcome, bool) {
	var proven, notProven, insufficient int
	for _, t := range tallies {
		switch court.Finding(t.Outcome) {
		case court.FindingProven:
			proven++
		case court.FindingNotProven:
			notProven++
		default:
			insufficient++
		}
	}
	total := len(tallies)
	switch {
	case total == 0 || insufficient == total:
		return court.OutcomeInconclusive, true
	case proven*2 > total:
		return court.OutcomeForProsecution, false
	case notProven*2 > total:
		return court.OutcomeForDefence, false
	default:
		return court.OutcomeForDefence, false
	}
}

func votesForClaim(ballots []court.Ballot, claimID string) []court.ClaimVote {
	var votes []court.ClaimVote
	for _, b := range ballots {
		for _, v := range b.ClaimVotes {
			if v.ClaimID == claimID {
				votes = append(votes, v)
			}
		}
	}
	return votes
}

func sortedEvidenceHashes(evidence []court.Evidence) []string {
	hashes := make([]string, 0, len(evidence))
	for _, e := range evidence {
		hashes = append(hashes, e.BodyHash)
	}
	sort.Strings(hashes)
	return hashes
}

func sortedSubmissionHashes(submissions []court.Submission) []string {
	hashes := make([]string, 0, len(submissions))
	for _, s := range submissions {
		hashes = append(hashes, s.ContentHash)
	}
	sort.Strings(hashes)
	return hashes
}
