package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

func testCase() *court.Case {
	return &court.Case{
		CaseID:          "case-1",
		Topic:           "contract",
		Mode:            court.ModeJudge,
		ClaimSummary:    "defendant never delivered the dataset",
		RequestedRemedy: "refund of 40 credits",
	}
}

func testClaims() []court.Claim {
	return []court.Claim{{ClaimID: "cl-1", CaseID: "case-1", Summary: "missed delivery deadline"}}
}

func TestStubScreening(t *testing.T) {
	ctx := context.Background()
	s, err := Stub{}.Screen(ctx, testCase(), testClaims())
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if !s.Accept {
		t.Fatalf("stub rejected a well-formed filing: %s", s.Reason)
	}

	empty := testCase()
	empty.ClaimSummary = "   "
	s, err = Stub{}.Screen(ctx, empty, testClaims())
	if err != nil {
		t.Fatalf("screen empty: %v", err)
	}
	if s.Accept {
		t.Fatal("stub accepted a filing with no claim summary")
	}
}

func TestStubTiebreakFavoursDefence(t *testing.T) {
	tb, err := Stub{}.BreakTie(context.Background(), testCase(), testClaims()[0], nil)
	if err != nil {
		t.Fatalf("tiebreak: %v", err)
	}
	if tb.Finding != court.FindingNotProven {
		t.Fatalf("finding = %s, want not_proven", tb.Finding)
	}
}

func TestStubRemedyEchoesRequest(t *testing.T) {
	r, err := Stub{}.RecommendRemedy(context.Background(), testCase(), court.OutcomeForProsecution)
	if err != nil {
		t.Fatalf("remedy: %v", err)
	}
	if r.Recommendation != "refund of 40 credits" {
		t.Fatalf("recommendation = %q", r.Recommendation)
	}

	r, err = Stub{}.RecommendRemedy(context.Background(), testCase(), court.OutcomeForDefence)
	if err != nil {
		t.Fatalf("remedy: %v", err)
	}
	if r.Recommendation != "no remedy recommended" {
		t.Fatalf("recommendation = %q", r.Recommendation)
	}
}

func chatReply(t *testing.T, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestLLMScreenParsesStrictJSON(t *testing.T) {
	srv := httptest.NewServer(chatReply(t, `{"accept": true, "reason": "well pleaded"}`))
	defer srv.Close()

	j := NewLLMJudge(srv.URL, "test-key", "test-model", 5*time.Second)
	s, err := j.Screen(context.Background(), testCase(), testClaims())
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if !s.Accept || s.Reason != "well pleaded" {
		t.Fatalf("screening = %+v", s)
	}
}

func TestLLMTiebreakToleratesFences(t *testing.T) {
	content := "```json\n{\"finding\": \"proven\", \"reason\": \"logs are decisive\"}\n```"
	srv := httptest.NewServer(chatReply(t, content))
	defer srv.Close()

	j := NewLLMJudge(srv.URL, "test-key", "test-model", 5*time.Second)
	tb, err := j.BreakTie(context.Background(), testCase(), testClaims()[0], nil)
	if err != nil {
		t.Fatalf("tiebreak: %v", err)
	}
	if tb.Finding != court.FindingProven {
		t.Fatalf("finding = %s", tb.Finding)
	}
}

func TestLLMTiebreakRejectsInsufficient(t *testing.T) {
	srv := httptest.NewServer(chatReply(t, `{"finding": "insufficient", "reason": "cannot say"}`))
	defer srv.Close()

	j := NewLLMJudge(srv.URL, "test-key", "test-model", 5*time.Second)
	if _, err := j.BreakTie(context.Background(), testCase(), testClaims()[0], nil); err == nil {
		t.Fatal("insufficient accepted as a tie resolution")
	}
}

func TestLLMErrorsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	j := NewLLMJudge(srv.URL, "test-key", "test-model", 5*time.Second)
	if _, err := j.Screen(context.Background(), testCase(), testClaims()); err == nil {
		t.Fatal("503 did not surface as error")
	}
}

func TestLLMErrorsOnNonJSONContent(t *testing.T) {
	srv := httptest.NewServer(chatReply(t, "I find for the prosecution."))
	defer srv.Close()

	j := NewLLMJudge(srv.URL, "test-key", "test-model", 5*time.Second)
	if _, err := j.Screen(context.Background(), testCase(), testClaims()); err == nil {
		t.Fatal("prose reply did not surface as error")
	}
}
