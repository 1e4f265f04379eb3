//go:build property

package canonicalize_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
)

func TestCanonicalTermsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terms hash is independent of party input order", prop.ForAll(
		func(roles []string) bool {
			parties := make([]map[string]any, 0, len(roles))
			for i, r := range roles {
				parties = append(parties, map[string]any{
					"role":    r,
					"agentId": strings.Repeat("x", i+1),
				})
			}
			forward, err := json.Marshal(map[string]any{"parties": parties})
			if err != nil {
				return false
			}
			reversed := make([]map[string]any, len(parties))
			for i := range parties {
				reversed[len(parties)-1-i] = parties[i]
			}
			backward, err := json.Marshal(map[string]any{"parties": reversed})
			if err != nil {
				return false
			}
			a, err := canonicalize.BuildCanonicalTerms(forward)
			if err != nil {
				return false
			}
			b, err := canonicalize.BuildCanonicalTerms(backward)
			if err != nil {
				return false
			}
			return a.TermsHash == b.TermsHash && a.AgreementCode == b.AgreementCode
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("canonicalisation is idempotent", prop.ForAll(
		func(title, item string) bool {
			raw, err := json.Marshal(map[string]any{
				"title":         title,
				"consideration": []map[string]any{{"fromAgentId": "A", "item": item}},
			})
			if err != nil {
				return false
			}
			first, err := canonicalize.BuildCanonicalTerms(raw)
			if err != nil {
				return false
			}
			second, err := canonicalize.BuildCanonicalTerms(first.CanonicalJSON)
			if err != nil {
				return false
			}
			return first.TermsHash == second.TermsHash
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("whitespace runs never influence the hash", prop.ForAll(
		func(words []string) bool {
			tight := strings.Join(words, " ")
			loose := "  " + strings.Join(words, " \t ") + " "
			a, err := canonicalize.BuildCanonicalTerms([]byte(`{"title":` + mustQuote(tight) + `}`))
			if err != nil {
				return false
			}
			b, err := canonicalize.BuildCanonicalTerms([]byte(`{"title":` + mustQuote(loose) + `}`))
			if err != nil {
				return false
			}
			return a.TermsHash == b.TermsHash
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
