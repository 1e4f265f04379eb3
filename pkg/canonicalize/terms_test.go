package canonicalize

import (
	"strings"
	"testing"
)

func TestBuildCanonicalTermsNormalises(t *testing.T) {
	raw := []byte(`{
		"title": "  Data   Sharing ",
		"notes": null,
		"parties": [
			{"role": "supplier", "agentId": "B"},
			{"role": "buyer", "agentId": "A"}
		]
	}`)
	ct, err := BuildCanonicalTerms(raw)
	if err != nil {
		t.Fatalf("BuildCanonicalTerms failed: %v", err)
	}
	want := `{"parties":[{"agentId":"A","role":"buyer"},{"agentId":"B","role":"supplier"}],"title":"Data Sharing"}`
	if string(ct.CanonicalJSON) != want {
		t.Fatalf("canonical mismatch:\n got: %s\nwant: %s", ct.CanonicalJSON, want)
	}
	if len(ct.TermsHash) != 64 {
		t.Fatalf("termsHash is not sha256 hex: %q", ct.TermsHash)
	}
	if len(ct.AgreementCode) != AgreementCodeLength {
		t.Fatalf("agreement code length %d, want %d", len(ct.AgreementCode), AgreementCodeLength)
	}
}

func TestBuildCanonicalTermsPartyOrderIrrelevant(t *testing.T) {
	a := []byte(`{"parties":[{"role":"buyer","agentId":"A"},{"role":"supplier","agentId":"B"}]}`)
	b := []byte(`{"parties":[{"role":"supplier","agentId":"B"},{"role":"buyer","agentId":"A"}]}`)
	ca, err := BuildCanonicalTerms(a)
	if err != nil {
		t.Fatalf("BuildCanonicalTerms(a) failed: %v", err)
	}
	cb, err := BuildCanonicalTerms(b)
	if err != nil {
		t.Fatalf("BuildCanonicalTerms(b) failed: %v", err)
	}
	if ca.TermsHash != cb.TermsHash {
		t.Fatalf("hash depends on party input order: %s vs %s", ca.TermsHash, cb.TermsHash)
	}
	if ca.AgreementCode != cb.AgreementCode {
		t.Fatalf("code depends on party input order")
	}
}

func TestBuildCanonicalTermsObligationSort(t *testing.T) {
	raw := []byte(`{"obligations":[
		{"actorAgentId":"B","action":"deliver"},
		{"actorAgentId":"A","action":"pay"},
		{"actorAgentId":"A","action":"notify"}
	]}`)
	ct, err := BuildCanonicalTerms(raw)
	if err != nil {
		t.Fatalf("BuildCanonicalTerms failed: %v", err)
	}
	want := `{"obligations":[{"action":"notify","actorAgentId":"A"},{"action":"pay","actorAgentId":"A"},{"action":"deliver","actorAgentId":"B"}]}`
	if string(ct.CanonicalJSON) != want {
		t.Fatalf("obligations not sorted by (actor, action):\n got: %s\nwant: %s", ct.CanonicalJSON, want)
	}
}

func TestBuildCanonicalTermsInnerArraysKeepOrder(t *testing.T) {
	raw := []byte(`{"schedule":{"milestones":["m3","m1","m2"]}}`)
	ct, err := BuildCanonicalTerms(raw)
	if err != nil {
		t.Fatalf("BuildCanonicalTerms failed: %v", err)
	}
	want := `{"schedule":{"milestones":["m3","m1","m2"]}}`
	if string(ct.CanonicalJSON) != want {
		t.Fatalf("inner array order changed:\n got: %s\nwant: %s", ct.CanonicalJSON, want)
	}
}

func TestBuildCanonicalTermsIdempotent(t *testing.T) {
	raw := []byte(`{"title":" a  b ","consideration":[{"fromAgentId":"B","item":"fee"},{"fromAgentId":"A","item":"api"}]}`)
	first, err := BuildCanonicalTerms(raw)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	second, err := BuildCanonicalTerms(first.CanonicalJSON)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if first.TermsHash != second.TermsHash {
		t.Fatalf("canonicalisation is not idempotent: %s vs %s", first.TermsHash, second.TermsHash)
	}
}

func TestBuildCanonicalTermsRejectsNonObject(t *testing.T) {
	if _, err := BuildCanonicalTerms([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected error for non-object terms")
	}
	if _, err := BuildCanonicalTerms([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestAgreementCodeAlphabetAndDeterminism(t *testing.T) {
	h1 := strings.Repeat("ab", 32)
	h2 := strings.Repeat("cd", 32)
	c1 := AgreementCode(h1)
	c2 := AgreementCode(h2)
	if c1 != AgreementCode(h1) {
		t.Fatal("agreement code not deterministic")
	}
	if c1 == c2 {
		t.Fatalf("distinct hashes produced the same code: %s", c1)
	}
	for _, c := range []string{c1, c2} {
		if len(c) != AgreementCodeLength {
			t.Fatalf("code %q has length %d", c, len(c))
		}
		for _, r := range c {
			if !strings.ContainsRune(crockford32, r) {
				t.Fatalf("code %q contains %q outside the Crockford alphabet", c, r)
			}
		}
	}
}
