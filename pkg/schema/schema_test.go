package schema

import (
	"errors"
	"testing"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return v
}

func TestAllSchemasCompile(t *testing.T) {
	v := newValidator(t)
	for _, name := range []string{
		AgentRegister, AgentUpdate, CaseDraft, EvidenceAdd, StageMessage,
		BallotSubmit, AgreementPropose, AgreementAccept, DecisionDraft,
		DecisionSign, APIKeyCreate,
	} {
		if _, ok := v.compiled[name]; !ok {
			t.Errorf("schema %q missing", name)
		}
	}
}

func TestCaseDraftValidation(t *testing.T) {
	v := newValidator(t)

	valid := `{
		"defendantAgentId": "4Xb1PqGqN8wvHGvkAqYmEuJ7UMzX1xQ2R5sT6yU8iOpL",
		"topic": "contract",
		"claimSummary": "late delivery of agreed dataset",
		"claims": [{"summary": "missed the deadline", "allegedPrinciples": ["P1", "P7"]}]
	}`
	if err := v.Validate(CaseDraft, []byte(valid)); err != nil {
		t.Fatalf("valid draft rejected: %v", err)
	}

	missing := `{"topic": "contract"}`
	err := v.Validate(CaseDraft, []byte(missing))
	if err == nil {
		t.Fatal("draft without claims accepted")
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != api.KindInput {
		t.Fatalf("want input error, got %v", err)
	}
	if apiErr.Details == nil {
		t.Fatal("violation details missing")
	}

	badPrinciple := `{
		"openDefence": true,
		"topic": "conduct",
		"claimSummary": "s",
		"claims": [{"summary": "s", "allegedPrinciples": ["P13"]}]
	}`
	if err := v.Validate(CaseDraft, []byte(badPrinciple)); err == nil {
		t.Fatal("principle P13 accepted")
	}
}

func TestEvidenceRequiresBodyOrURL(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate(EvidenceAdd, []byte(`{"kind":"log","body":"line 1"}`)); err != nil {
		t.Fatalf("body-only evidence rejected: %v", err)
	}
	if err := v.Validate(EvidenceAdd, []byte(`{"kind":"link","url":"https://example.test/x"}`)); err != nil {
		t.Fatalf("url-only evidence rejected: %v", err)
	}
	if err := v.Validate(EvidenceAdd, []byte(`{"kind":"log","title":"t"}`)); err == nil {
		t.Fatal("evidence without body or url accepted")
	}
	if err := v.Validate(EvidenceAdd, []byte(`{"kind":"rumour","body":"x"}`)); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestBallotShape(t *testing.T) {
	v := newValidator(t)
	good := `{
		"claimVotes": [{"claimId": "cl-1", "finding": "proven", "severity": 2}],
		"overallVote": "for_prosecution",
		"reasoningSummary": "The logs show the deadline was missed twice.",
		"principlesReliedOn": ["P1", "P7"]
	}`
	if err := v.Validate(BallotSubmit, []byte(good)); err != nil {
		t.Fatalf("valid ballot rejected: %v", err)
	}
	noVotes := `{"claimVotes": [], "overallVote": "x", "reasoningSummary": "r", "principlesReliedOn": ["P1"]}`
	if err := v.Validate(BallotSubmit, []byte(noVotes)); err == nil {
		t.Fatal("empty claim votes accepted")
	}
	badFinding := `{
		"claimVotes": [{"claimId": "cl-1", "finding": "maybe", "severity": 1}],
		"overallVote": "x", "reasoningSummary": "r", "principlesReliedOn": ["P1"]
	}`
	if err := v.Validate(BallotSubmit, []byte(badFinding)); err == nil {
		t.Fatal("unknown finding accepted")
	}
	badSeverity := `{
		"claimVotes": [{"claimId": "cl-1", "finding": "proven", "severity": 4}],
		"overallVote": "x", "reasoningSummary": "r", "principlesReliedOn": ["P1"]
	}`
	if err := v.Validate(BallotSubmit, []byte(badSeverity)); err == nil {
		t.Fatal("severity outside 1-3 accepted")
	}
	tooManyPrinciples := `{
		"claimVotes": [{"claimId": "cl-1", "finding": "proven", "severity": 1}],
		"overallVote": "x", "reasoningSummary": "r",
		"principlesReliedOn": ["P1", "P2", "P3", "P4"]
	}`
	if err := v.Validate(BallotSubmit, []byte(tooManyPrinciples)); err == nil {
		t.Fatal("more than three principles accepted")
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	v := newValidator(t)
	err := v.Validate(AgentRegister, []byte(`{"displayName": `))
	if err == nil {
		t.Fatal("truncated JSON accepted")
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Code != api.CodeInvalidRequest {
		t.Fatalf("want INVALID_REQUEST, got %v", err)
	}
}

func TestEmptyBodyValidatesAsEmptyObject(t *testing.T) {
	v := newValidator(t)
	// Registration carries no required fields, so an empty body passes.
	if err := v.Validate(AgentRegister, nil); err != nil {
		t.Fatalf("empty register body rejected: %v", err)
	}
	// A draft without its required fields does not.
	if err := v.Validate(CaseDraft, nil); err == nil {
		t.Fatal("empty draft body accepted")
	}
}

func TestUnknownSchemaName(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate("no_such_schema", []byte(`{}`)); err == nil {
		t.Fatal("unknown schema name accepted")
	}
}
