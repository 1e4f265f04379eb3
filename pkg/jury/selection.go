// Package jury implements deterministic panel selection. Given the same
// candidate pool, drand randomness and case id, every node derives the same
// panel, and the published proof lets any agent re-run the draw.
package jury

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
)

// Scored is one candidate with its selection score.
type Scored struct {
	AgentID   string `json:"agentId"`
	ScoreHash string `json:"scoreHash"`
}

// Proof is the reproducible record of one draw: inputs plus the full
// ranking. Replacements walk the ranking before a fresh draw is allowed.
type Proof struct {
	CaseID           string   `json:"caseId"`
	DrandRound       uint64   `json:"drandRound"`
	DrandRandomness  string   `json:"drandRandomness"`
	PoolSnapshotHash string   `json:"poolSnapshotHash"`
	PanelSize        int      `json:"panelSize"`
	Ranking          []Scored `json:"ranking"`
}

// Panel returns the first panelSize entries of the ranking.
func (p *Proof) Panel() []Scored {
	if len(p.Ranking) < p.PanelSize {
		return p.Ranking
	}
	return p.Ranking[:p.PanelSize]
}

// Encode renders the proof as canonical JSON for storage and hashing.
func (p *Proof) Encode() (string, error) {
	return canonicalize.CanonicalString(p)
}

// Hash returns the sha256 of the canonical proof encoding.
func (p *Proof) Hash() (string, error) {
	return canonicalize.Hash(p)
}

// DecodeProof parses a stored proof encoding.
func DecodeProof(s string) (*Proof, error) {
	var p Proof
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("jury: decode proof: %w", err)
	}
	return &p, nil
}

// ErrPoolTooSmall reports a candidate pool below the panel size.
type ErrPoolTooSmall struct {
	Pool, Need int
}

func (e *ErrPoolTooSmall) Error() string {
	return fmt.Sprintf("jury: pool of %d cannot seat %d", e.Pool, e.Need)
}

// Score derives the selection score for one candidate. The inputs are
// concatenated as raw bytes and hashed; the hex digest orders the ranking.
func Score(randomness, candidateID, caseID string) string {
	h := sha256.Sum256([]byte(randomness + candidateID + caseID))
	return hex.EncodeToString(h[:])
}

// Select runs one deterministic draw. The pool is deduplicated and sorted
// before hashing so the snapshot hash does not depend on query order.
func Select(pool []string, randomness string, round uint64, caseID string, panelSize int) (*Proof, error) {
	canonicalPool := normalizePool(pool)
	if len(canonicalPool) < panelSize {
		return nil, &ErrPoolTooSmall{Pool: len(canonicalPool), Need: panelSize}
	}

	snapshotHash, err := canonicalize.Hash(canonicalPool)
	if err != nil {
		return nil, fmt.Errorf("jury: hash pool snapshot: %w", err)
	}

	ranking := make([]Scored, len(canonicalPool))
	for i, id := range canonicalPool {
		ranking[i] = Scored{AgentID: id, ScoreHash: Score(randomness, id, caseID)}
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].ScoreHash != ranking[j].ScoreHash {
			return ranking[i].ScoreHash < ranking[j].ScoreHash
		}
		return ranking[i].AgentID < ranking[j].AgentID
	})

	return &Proof{
		CaseID:           caseID,
		DrandRound:       round,
		DrandRandomness:  randomness,
		PoolSnapshotHash: snapshotHash,
		PanelSize:        panelSize,
		Ranking:          ranking,
	}, nil
}

// NextFromProof returns the highest-ranked candidate not yet seated and not
// excluded, preserving determinism for replacements. ok is false when the
// ranking is exhausted and a fresh draw is needed.
func NextFromProof(p *Proof, taken func(agentID string) bool) (Scored, bool) {
	for _, c := range p.Ranking {
		if !taken(c.AgentID) {
			return c, true
		}
	}
	return Scored{}, false
}

func normalizePool(pool []string) []string {
	seen := make(map[string]struct{}, len(pool))
	out := make([]string, 0, len(pool))
	for _, id := range pool {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
