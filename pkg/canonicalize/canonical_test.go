package canonicalize

import (
	"strings"
	"testing"
)

func TestCanonicalSortsKeys(t *testing.T) {
	got, err := Canonical(map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   map[string]any{"b": true, "a": false},
	})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"alpha":"x","mid":{"a":false,"b":true},"zeta":1}`
	if string(got) != want {
		t.Fatalf("canonical mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	got, err := Canonical(map[string]any{"q": "a<b&c>d"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"q":"a<b&c>d"}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalRespectsStructTags(t *testing.T) {
	type payload struct {
		CaseID  string `json:"caseId"`
		Outcome string `json:"outcome"`
	}
	got, err := Canonical(payload{CaseID: "case_1", Outcome: "for_prosecution"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"caseId":"case_1","outcome":"for_prosecution"}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalArrayOrderPreserved(t *testing.T) {
	got, err := Canonical(map[string]any{"seq": []string{"c", "a", "b"}})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"seq":["c","a","b"]}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHashDeterminism(t *testing.T) {
	v := map[string]any{"caseId": "case_9", "round": 411, "ids": []string{"a", "b"}}
	h1, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Fatalf("expected lowercase sha256 hex, got %s", h1)
	}
}

func TestHashBytesKnownVector(t *testing.T) {
	// sha256("") is a fixed point worth pinning.
	got := HashBytes(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
