package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/archive"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/auth"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/ocp"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/seal"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/solana"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

type recordedEvent struct {
	URL   string
	Event webhook.Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, url string, ev webhook.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{URL: url, Event: ev})
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Event.Event == event {
			c++
		}
	}
	return c
}

type testGateway struct {
	srv   *httptest.Server
	st    *store.Store
	cfg   *config.Config
	notes *recordingNotifier
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "court.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Profile:             config.DefaultProfile(),
		SystemKey:           "sys-key-for-tests",
		WorkerToken:         "worker-token-for-tests",
		AdminKey:            "admin-key-for-tests",
		AdminJWTSecret:      "0123456789abcdef0123456789abcdef",
		EnforceFilingCap:    true,
		WebhookAllowPrivate: true,
	}

	bundles, err := archive.NewFileStore(filepath.Join(dir, "bundles"))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notes := &recordingNotifier{}

	sealer := seal.NewService(st, bundles, &seal.Stub{}, "", 3, logger)
	ocpSvc := ocp.New(st, st, solana.Stub{}, nil, bundles, notes, cfg, logger)

	gw, err := New(cfg, Deps{
		Store:  st,
		OCP:    ocpSvc,
		Sealer: sealer,
		Notify: notes,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{srv: srv, st: st, cfg: cfg, notes: notes}
}

// signedDo sends one mutation signed by signer. Extra headers (for example
// Idempotency-Key) are applied after the signature headers.
func (g *testGateway) signedDo(t *testing.T, signer *crypto.Ed25519Signer, method, path string, body []byte, extra map[string]string) (int, map[string]any) {
	t.Helper()
	ts := time.Now().Unix()
	nonce := uuid.NewString()
	bodyHash := canonicalize.HashBytes(body)

	req, err := http.NewRequest(method, g.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAgentID, signer.AgentID())
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderBodyHash, bodyHash)
	req.Header.Set(auth.HeaderSignature,
		signer.Sign(crypto.Digest(crypto.SigningStringV1(method, path, ts, nonce, bodyHash))))
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	return g.send(t, req)
}

func (g *testGateway) plainDo(t *testing.T, method, path string, body []byte, hdr map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return g.send(t, req)
}

func (g *testGateway) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	res, err := g.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("response is not JSON (%d): %s", res.StatusCode, raw)
		}
	}
	return res.StatusCode, out
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	code, _ := env["code"].(string)
	return code
}

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func (g *testGateway) register(t *testing.T, signer *crypto.Ed25519Signer, body string) {
	t.Helper()
	status, res := g.signedDo(t, signer, "POST", "/v1/agents/register", []byte(body), nil)
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("register: status %d, body %v", status, res)
	}
}

const draftBody = `{
  "topic": "unpaid inference invoice",
  "claimSummary": "Counterparty consumed 40 GPU-hours and never settled the agreed transfer.",
  "stakeLevel": "medium",
  "claims": [
    {"summary": "Invoice 2214 remains unpaid after the agreed settlement window.", "allegedPrinciples": ["P1", "P4"]},
    {"summary": "Counterparty misrepresented its settlement capability during negotiation.", "allegedPrinciples": ["P2"]}
  ],
  "openDefence": true
}`

func (g *testGateway) draftCase(t *testing.T, signer *crypto.Ed25519Signer, body string) (string, []string) {
	t.Helper()
	status, res := g.signedDo(t, signer, "POST", "/api/cases/draft", []byte(body), nil)
	if status != http.StatusCreated {
		t.Fatalf("draft: status %d, body %v", status, res)
	}
	c := res["case"].(map[string]any)
	caseID := c["caseId"].(string)
	var claimIDs []string
	for _, raw := range res["claims"].([]any) {
		claimIDs = append(claimIDs, raw.(map[string]any)["claimId"].(string))
	}
	return caseID, claimIDs
}

func TestHealthAndMeta(t *testing.T) {
	g := newTestGateway(t)

	status, body := g.plainDo(t, "GET", "/healthz", nil, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", status, body)
	}
	status, _ = g.plainDo(t, "GET", "/readyz", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("readyz: %d", status)
	}
	status, body = g.plainDo(t, "GET", "/api/meta/principles", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("principles: %d", status)
	}
	if _, ok := body["principles"].([]any); !ok {
		t.Fatalf("principles missing: %v", body)
	}
}

func TestMutationRequiresSignature(t *testing.T) {
	g := newTestGateway(t)

	status, body := g.plainDo(t, "POST", "/v1/agents/register", []byte(`{}`), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unsigned register: status %d, body %v", status, body)
	}
}

func TestMutationRequiresRegisteredAgent(t *testing.T) {
	g := newTestGateway(t)
	stranger := newSigner(t)

	status, body := g.signedDo(t, stranger, "POST", "/api/cases/draft", []byte(draftBody), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status %d, body %v", status, body)
	}
	if code := errCode(t, body); code != "UNAUTHORIZED" {
		t.Fatalf("code = %s", code)
	}
}

func TestAgentProfileValidation(t *testing.T) {
	g := newTestGateway(t)
	signer := newSigner(t)

	status, res := g.signedDo(t, signer, "POST", "/v1/agents/register",
		[]byte(`{"displayName":"V","protocolVersion":"not-a-version"}`), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad protocolVersion: %d %v", status, res)
	}

	status, res = g.signedDo(t, signer, "POST", "/v1/agents/register",
		[]byte(`{"displayName":"V","protocolVersion":"1.4.0"}`), nil)
	if status != http.StatusCreated {
		t.Fatalf("register: %d %v", status, res)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	g := newTestGateway(t)
	signer := newSigner(t)
	g.register(t, signer, `{"displayName":"Replayer"}`)

	body := []byte(`{"displayName":"Replayer II"}`)
	ts := time.Now().Unix()
	nonce := uuid.NewString()
	bodyHash := canonicalize.HashBytes(body)
	sig := signer.Sign(crypto.Digest(crypto.SigningStringV1("POST", "/v1/agents/update", ts, nonce, bodyHash)))
	hdr := map[string]string{
		auth.HeaderAgentID:   signer.AgentID(),
		auth.HeaderTimestamp: strconv.FormatInt(ts, 10),
		auth.HeaderNonce:     nonce,
		auth.HeaderBodyHash:  bodyHash,
		auth.HeaderSignature: sig,
	}

	status, _ := g.plainDo(t, "POST", "/v1/agents/update", body, hdr)
	if status != http.StatusOK {
		t.Fatalf("first use: status %d", status)
	}
	status, res := g.plainDo(t, "POST", "/v1/agents/update", body, hdr)
	if status != http.StatusUnauthorized {
		t.Fatalf("replay: status %d, body %v", status, res)
	}
	if code := errCode(t, res); code != "NONCE_REUSED" {
		t.Fatalf("replay code = %s", code)
	}
}

func TestBodyTamperRejected(t *testing.T) {
	g := newTestGateway(t)
	signer := newSigner(t)
	g.register(t, signer, `{"displayName":"Tamper"}`)

	signedBody := []byte(`{"displayName":"honest"}`)
	sentBody := []byte(`{"displayName":"tampered"}`)
	ts := time.Now().Unix()
	nonce := uuid.NewString()
	bodyHash := canonicalize.HashBytes(signedBody)
	hdr := map[string]string{
		auth.HeaderAgentID:   signer.AgentID(),
		auth.HeaderTimestamp: strconv.FormatInt(ts, 10),
		auth.HeaderNonce:     nonce,
		auth.HeaderBodyHash:  bodyHash,
		auth.HeaderSignature: signer.Sign(crypto.Digest(crypto.SigningStringV1("POST", "/v1/agents/update", ts, nonce, bodyHash))),
	}

	status, res := g.plainDo(t, "POST", "/v1/agents/update", sentBody, hdr)
	if status != http.StatusUnauthorized {
		t.Fatalf("status %d, body %v", status, res)
	}
	if code := errCode(t, res); code != "BODY_HASH_MISMATCH" {
		t.Fatalf("code = %s", code)
	}
}

func TestIdempotencyReplayAndMismatch(t *testing.T) {
	g := newTestGateway(t)
	signer := newSigner(t)
	g.register(t, signer, `{"displayName":"Idem"}`)

	key := map[string]string{auth.HeaderIdempotencyKey: "draft-once-0001"}

	status, first := g.signedDo(t, signer, "POST", "/api/cases/draft", []byte(draftBody), key)
	if status != http.StatusCreated {
		t.Fatalf("first draft: %d %v", status, first)
	}
	firstID := first["case"].(map[string]any)["caseId"].(string)

	status, second := g.signedDo(t, signer, "POST", "/api/cases/draft", []byte(draftBody), key)
	if status != http.StatusCreated {
		t.Fatalf("replay draft: %d %v", status, second)
	}
	secondID := second["case"].(map[string]any)["caseId"].(string)
	if firstID != secondID {
		t.Fatalf("replay created a new case: %s vs %s", firstID, secondID)
	}

	other := `{"topic":"different dispute","claimSummary":"Another body entirely.","openDefence":true,"claims":[{"summary":"One claim."}]}`
	status, res := g.signedDo(t, signer, "POST", "/api/cases/draft", []byte(other), key)
	if status != http.StatusConflict {
		t.Fatalf("mismatch: status %d, body %v", status, res)
	}
	if code := errCode(t, res); code != "IDEMPOTENCY_KEY_REUSED" {
		t.Fatalf("mismatch code = %s", code)
	}
}

func TestCaseFileAndDefenceAssignment(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	defendant := newSigner(t)
	intruder := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"Prosecutor"}`)
	g.register(t, defendant, `{"displayName":"Defendant","notifyUrl":"http://127.0.0.1:9/hook"}`)
	g.register(t, intruder, `{"displayName":"Intruder"}`)

	named := fmt.Sprintf(`{
	  "topic": "broken delegation",
	  "claimSummary": "Delegated task was abandoned midway.",
	  "defendantAgentId": %q,
	  "claims": [{"summary": "Task abandoned without notice."}]
	}`, defendant.AgentID())
	caseID, _ := g.draftCase(t, prosecutor, named)

	// Only the prosecutor files.
	status, res := g.signedDo(t, defendant, "POST", "/api/cases/"+caseID+"/file", nil, nil)
	if status != http.StatusForbidden {
		t.Fatalf("defendant filed: %d %v", status, res)
	}

	status, res = g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/file", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("file: %d %v", status, res)
	}
	c := res["case"].(map[string]any)
	if c["status"] != "filed" || c["sessionStage"] != "pre_session" {
		t.Fatalf("case after filing: %v", c)
	}
	if c["defenceCutoffAt"] == nil {
		t.Fatalf("defence cutoff not stamped: %v", c)
	}
	if g.notes.count(webhook.EventDefenceInvited) != 1 {
		t.Fatalf("defence_invited webhooks = %d, want 1", g.notes.count(webhook.EventDefenceInvited))
	}

	// Filing is not repeatable.
	status, res = g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/file", nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("second file: %d %v", status, res)
	}

	// The seat is reserved for the named defendant.
	status, res = g.signedDo(t, intruder, "POST", "/api/cases/"+caseID+"/volunteer-defence", nil, nil)
	if status != http.StatusForbidden {
		t.Fatalf("intruder volunteered: %d %v", status, res)
	}
	status, res = g.signedDo(t, defendant, "POST", "/api/cases/"+caseID+"/volunteer-defence", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("volunteer: %d %v", status, res)
	}
	if got := res["case"].(map[string]any)["defenceAgentId"]; got != defendant.AgentID() {
		t.Fatalf("defenceAgentId = %v", got)
	}
	status, res = g.signedDo(t, defendant, "POST", "/api/cases/"+caseID+"/volunteer-defence", nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("second volunteer: %d %v", status, res)
	}
}

func TestEvidenceStageRules(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	outsider := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"P"}`)
	g.register(t, outsider, `{"displayName":"O"}`)

	caseID, _ := g.draftCase(t, prosecutor, draftBody)
	evidence := `{"kind":"log","title":"settlement log","body":"2026-08-01T00:00:00Z transfer absent"}`

	// Prosecution may attach evidence while drafting.
	status, res := g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/evidence", []byte(evidence), nil)
	if status != http.StatusCreated {
		t.Fatalf("draft evidence: %d %v", status, res)
	}
	if res["evidence"].(map[string]any)["bodyHash"] == "" {
		t.Fatalf("evidence hash missing: %v", res)
	}

	// Non-parties never may.
	status, res = g.signedDo(t, outsider, "POST", "/api/cases/"+caseID+"/evidence", []byte(evidence), nil)
	if status != http.StatusForbidden {
		t.Fatalf("outsider evidence: %d %v", status, res)
	}

	// Once filed, evidence waits for the evidence stage.
	if status, res = g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/file", nil, nil); status != http.StatusOK {
		t.Fatalf("file: %d %v", status, res)
	}
	status, res = g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/evidence", []byte(evidence), nil)
	if status != http.StatusConflict {
		t.Fatalf("pre-session evidence: %d %v", status, res)
	}
	if code := errCode(t, res); code != "STAGE_MISMATCH" {
		t.Fatalf("code = %s", code)
	}

	// Same for addresses: no phase is open during pre_session.
	msg := `{"text":"Opening address before the session opens."}`
	status, res = g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/stage-message", []byte(msg), nil)
	if status != http.StatusConflict {
		t.Fatalf("stage message: %d %v", status, res)
	}
	if code := errCode(t, res); code != "STAGE_MISMATCH" {
		t.Fatalf("code = %s", code)
	}
}

// advance drives a filed case into the named stage directly through the
// store, standing in for the session engine.
func (g *testGateway) advance(t *testing.T, caseID string, stage court.Stage, deadline time.Time) {
	t.Helper()
	err := g.st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return g.st.AdvanceStage(context.Background(), tx, caseID, stage, deadline, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("advance to %s: %v", stage, err)
	}
}

func (g *testGateway) seatJuror(t *testing.T, caseID, jurorID string, status court.PanelStatus, deadline time.Time) {
	t.Helper()
	now := time.Now().UTC()
	member := court.PanelMember{
		CaseID:       caseID,
		JurorAgentID: jurorID,
		Seat:         0,
		ScoreHash:    canonicalize.HashBytes([]byte(jurorID)),
		Status:       status,
		CreatedAt:    now,
	}
	if status == court.PanelPendingReady {
		member.ReadyDeadline = deadline
	} else {
		member.VotingDeadline = deadline
	}
	err := g.st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return g.st.InsertPanelMembers(context.Background(), tx, []court.PanelMember{member})
	})
	if err != nil {
		t.Fatalf("seat juror: %v", err)
	}
}

func TestJurorReadyFlow(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	juror := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"P"}`)
	g.register(t, juror, `{"displayName":"J","jurorEligible":true}`)

	caseID, _ := g.draftCase(t, prosecutor, draftBody)
	if status, res := g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/file", nil, nil); status != http.StatusOK {
		t.Fatalf("file: %d %v", status, res)
	}
	deadline := time.Now().Add(time.Hour).UTC()
	g.advance(t, caseID, court.StageJuryReadiness, deadline)
	g.seatJuror(t, caseID, juror.AgentID(), court.PanelPendingReady, deadline)

	status, res := g.signedDo(t, juror, "POST", "/api/cases/"+caseID+"/juror-ready", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("juror-ready: %d %v", status, res)
	}
	if res["status"] != string(court.PanelReady) {
		t.Fatalf("status = %v", res["status"])
	}

	status, res = g.signedDo(t, juror, "POST", "/api/cases/"+caseID+"/juror-ready", nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("double ready: %d %v", status, res)
	}

	// A signer who was never summoned is turned away.
	stranger := newSigner(t)
	g.register(t, stranger, `{"displayName":"S","jurorEligible":true}`)
	status, res = g.signedDo(t, stranger, "POST", "/api/cases/"+caseID+"/juror-ready", nil, nil)
	if status != http.StatusForbidden {
		t.Fatalf("stranger ready: %d %v", status, res)
	}
}

func TestBallotSubmission(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	juror := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"P"}`)
	g.register(t, juror, `{"displayName":"J","jurorEligible":true}`)

	caseID, claimIDs := g.draftCase(t, prosecutor, draftBody)
	if status, res := g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/file", nil, nil); status != http.StatusOK {
		t.Fatalf("file: %d %v", status, res)
	}
	deadline := time.Now().Add(time.Hour).UTC()
	g.advance(t, caseID, court.StageVoting, deadline)
	g.seatJuror(t, caseID, juror.AgentID(), court.PanelActiveVoting, deadline)

	ballot := fmt.Sprintf(`{
	  "claimVotes": [
	    {"claimId": %q, "finding": "proven", "severity": 2},
	    {"claimId": %q, "finding": "not_proven", "severity": 1}
	  ],
	  "overallVote": "for_prosecution",
	  "reasoningSummary": "The settlement log shows the transfer never arrived; the misrepresentation claim lacks corroboration.",
	  "principlesReliedOn": ["P1", "P4"]
	}`, claimIDs[0], claimIDs[1])

	status, res := g.signedDo(t, juror, "POST", "/api/cases/"+caseID+"/ballots", []byte(ballot), nil)
	if status != http.StatusCreated {
		t.Fatalf("ballot: %d %v", status, res)
	}
	if res["ballot"].(map[string]any)["ballotHash"] == "" {
		t.Fatalf("ballot hash missing: %v", res)
	}

	status, res = g.signedDo(t, juror, "POST", "/api/cases/"+caseID+"/ballots", []byte(ballot), nil)
	if status != http.StatusConflict {
		t.Fatalf("double ballot: %d %v", status, res)
	}
	if code := errCode(t, res); code != "BALLOT_ALREADY_SUBMITTED" {
		t.Fatalf("code = %s", code)
	}
}

func TestBallotMustCoverEveryClaim(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	juror := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"P"}`)
	g.register(t, juror, `{"displayName":"J","jurorEligible":true}`)

	caseID, claimIDs := g.draftCase(t, prosecutor, draftBody)
	if status, res := g.signedDo(t, prosecutor, "POST", "/api/cases/"+caseID+"/file", nil, nil); status != http.StatusOK {
		t.Fatalf("file: %d %v", status, res)
	}
	deadline := time.Now().Add(time.Hour).UTC()
	g.advance(t, caseID, court.StageVoting, deadline)
	g.seatJuror(t, caseID, juror.AgentID(), court.PanelActiveVoting, deadline)

	partial := fmt.Sprintf(`{
	  "claimVotes": [{"claimId": %q, "finding": "proven", "severity": 2}],
	  "overallVote": "for_prosecution",
	  "reasoningSummary": "Only looked at the first claim.",
	  "principlesReliedOn": ["P1"]
	}`, claimIDs[0])

	status, res := g.signedDo(t, juror, "POST", "/api/cases/"+caseID+"/ballots", []byte(partial), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("partial ballot: %d %v", status, res)
	}
	if code := errCode(t, res); code != "INVALID_REQUEST" {
		t.Fatalf("code = %s", code)
	}
}

func TestCaseReadsRequireAPIKey(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"P"}`)
	caseID, _ := g.draftCase(t, prosecutor, draftBody)

	status, _ := g.plainDo(t, "GET", "/api/cases/"+caseID, nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated read: %d", status)
	}

	status, res := g.signedDo(t, prosecutor, "POST", "/v1/api-keys", []byte(`{"name":"reader"}`), nil)
	if status != http.StatusCreated {
		t.Fatalf("api key create: %d %v", status, res)
	}
	rawKey := res["key"].(string)

	hdr := map[string]string{"Authorization": "Bearer " + rawKey}
	status, res = g.plainDo(t, "GET", "/api/cases/"+caseID, nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("read with key: %d %v", status, res)
	}
	if res["case"].(map[string]any)["caseId"] != caseID {
		t.Fatalf("wrong case: %v", res)
	}
	if len(res["claims"].([]any)) != 2 {
		t.Fatalf("claims missing: %v", res)
	}

	status, res = g.plainDo(t, "GET", "/api/cases/"+caseID+"/transcript", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("transcript: %d %v", status, res)
	}
}

func TestAdminLoginAndReads(t *testing.T) {
	g := newTestGateway(t)

	status, res := g.plainDo(t, "POST", "/api/admin/login", []byte(`{"adminKey":"wrong"}`), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d %v", status, res)
	}

	status, res = g.plainDo(t, "POST", "/api/admin/login", []byte(`{"adminKey":"admin-key-for-tests"}`), nil)
	if status != http.StatusOK {
		t.Fatalf("login: %d %v", status, res)
	}
	token, _ := res["token"].(string)
	if token == "" {
		t.Fatalf("no token: %v", res)
	}

	status, _ = g.plainDo(t, "GET", "/api/admin/cases", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("reads open without token: %d", status)
	}

	hdr := map[string]string{"Authorization": "Bearer " + token}
	status, res = g.plainDo(t, "GET", "/api/admin/cases", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("admin cases: %d %v", status, res)
	}
	status, res = g.plainDo(t, "GET", "/api/admin/seal-jobs", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("admin seal jobs: %d %v", status, res)
	}
	status, res = g.plainDo(t, "GET", "/api/admin/webhook-deliveries", nil, hdr)
	if status != http.StatusOK {
		t.Fatalf("admin deliveries: %d %v", status, res)
	}
}

func TestInternalEndpointsAuth(t *testing.T) {
	g := newTestGateway(t)
	prosecutor := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"P"}`)
	caseID, _ := g.draftCase(t, prosecutor, draftBody)

	result := `{"jobId":"nope","caseId":"nope","status":"minted"}`
	status, _ := g.plainDo(t, "POST", "/api/internal/seal-result", []byte(result), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("seal-result without token: %d", status)
	}
	hdr := map[string]string{"X-Worker-Token": "worker-token-for-tests"}
	status, res := g.plainDo(t, "POST", "/api/internal/seal-result", []byte(result), hdr)
	if status != http.StatusNotFound {
		t.Fatalf("seal-result unknown job: %d %v", status, res)
	}

	status, _ = g.plainDo(t, "POST", "/api/internal/cases/"+caseID+"/void", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("void without key: %d", status)
	}
	sysHdr := map[string]string{"X-System-Key": "sys-key-for-tests"}
	status, res = g.plainDo(t, "POST", "/api/internal/cases/"+caseID+"/void", nil, sysHdr)
	if status != http.StatusOK {
		t.Fatalf("void: %d %v", status, res)
	}
	c := res["case"].(map[string]any)
	if c["status"] != "void" || c["voidReason"] != "administrative_override" {
		t.Fatalf("voided case: %v", c)
	}
	status, res = g.plainDo(t, "POST", "/api/internal/cases/"+caseID+"/void", nil, sysHdr)
	if status != http.StatusConflict {
		t.Fatalf("double void: %d %v", status, res)
	}
}

func gatewayTermsDoc(partyA, partyB string) string {
	return fmt.Sprintf(`{
  "parties": [
    {"agentId": %q, "role": "provider"},
    {"agentId": %q, "role": "consumer"}
  ],
  "obligations": [
    {"by": "provider", "description": "Serve 100k inference calls."},
    {"by": "consumer", "description": "Settle 5 SOL on completion."}
  ],
  "consideration": {"amount": "5", "unit": "SOL"},
  "term": "30 days"
}`, partyA, partyB)
}

func TestAgreementLifecycleOverHTTP(t *testing.T) {
	g := newTestGateway(t)
	partyA := newSigner(t)
	partyB := newSigner(t)
	g.register(t, partyA, `{"displayName":"Provider"}`)
	g.register(t, partyB, `{"displayName":"Consumer"}`)

	terms := gatewayTermsDoc(partyA.AgentID(), partyB.AgentID())
	ct, err := canonicalize.BuildCanonicalTerms([]byte(terms))
	if err != nil {
		t.Fatalf("canonical terms: %v", err)
	}
	proposalID := uuid.NewString()
	expires := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	att := crypto.AgreementAttestation(proposalID, ct.TermsHash, ct.AgreementCode,
		partyA.AgentID(), partyB.AgentID(), expires)

	propose, err := json.Marshal(ocp.ProposeRequest{
		ProposalID: proposalID,
		PartyB:     partyB.AgentID(),
		Terms:      json.RawMessage(terms),
		ExpiresAt:  expires,
		SigA:       partyA.Sign(crypto.Digest(att)),
	})
	if err != nil {
		t.Fatalf("marshal propose: %v", err)
	}

	status, res := g.signedDo(t, partyA, "POST", "/v1/agreements/propose", propose, nil)
	if status != http.StatusCreated {
		t.Fatalf("propose: %d %v", status, res)
	}
	a := res["agreement"].(map[string]any)
	if a["status"] != "pending" {
		t.Fatalf("status = %v", a["status"])
	}
	code := a["agreementCode"].(string)

	accept, _ := json.Marshal(map[string]string{"sigB": partyB.Sign(crypto.Digest(att))})
	status, res = g.signedDo(t, partyB, "POST", "/v1/agreements/"+proposalID+"/accept", accept, nil)
	if status != http.StatusOK {
		t.Fatalf("accept: %d %v", status, res)
	}
	if res["agreement"].(map[string]any)["status"] != "sealed" {
		t.Fatalf("agreement after accept: %v", res)
	}
	if res["receipt"] == nil {
		t.Fatalf("no receipt: %v", res)
	}

	// Verification is public by design.
	status, res = g.plainDo(t, "GET", "/v1/verify?code="+code, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("verify: %d %v", status, res)
	}
	if res["verified"] != true {
		t.Fatalf("not verified: %v", res)
	}
	if len(res["signatures"].([]any)) != 2 {
		t.Fatalf("signatures: %v", res["signatures"])
	}

	// Operator transitions need the system key, and a sealed agreement is
	// immutable even then.
	status, _ = g.plainDo(t, "POST", "/v1/agreements/"+proposalID+"/suspend", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("suspend without key: %d", status)
	}
	sysHdr := map[string]string{"X-System-Key": "sys-key-for-tests"}
	status, res = g.plainDo(t, "POST", "/v1/agreements/"+proposalID+"/suspend", nil, sysHdr)
	if status != http.StatusConflict {
		t.Fatalf("suspend sealed: %d %v", status, res)
	}
}

func TestPendingProposalOperatorCancel(t *testing.T) {
	g := newTestGateway(t)
	partyA := newSigner(t)
	partyB := newSigner(t)
	g.register(t, partyA, `{"displayName":"Provider"}`)
	g.register(t, partyB, `{"displayName":"Consumer"}`)

	terms := gatewayTermsDoc(partyA.AgentID(), partyB.AgentID())
	ct, err := canonicalize.BuildCanonicalTerms([]byte(terms))
	if err != nil {
		t.Fatalf("canonical terms: %v", err)
	}
	proposalID := uuid.NewString()
	expires := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	att := crypto.AgreementAttestation(proposalID, ct.TermsHash, ct.AgreementCode,
		partyA.AgentID(), partyB.AgentID(), expires)
	propose, _ := json.Marshal(ocp.ProposeRequest{
		ProposalID: proposalID,
		PartyB:     partyB.AgentID(),
		Terms:      json.RawMessage(terms),
		ExpiresAt:  expires,
		SigA:       partyA.Sign(crypto.Digest(att)),
	})
	if status, res := g.signedDo(t, partyA, "POST", "/v1/agreements/propose", propose, nil); status != http.StatusCreated {
		t.Fatalf("propose: %d %v", status, res)
	}

	sysHdr := map[string]string{"X-System-Key": "sys-key-for-tests"}
	status, res := g.plainDo(t, "POST", "/v1/agreements/"+proposalID+"/cancel", nil, sysHdr)
	if status != http.StatusOK {
		t.Fatalf("cancel: %d %v", status, res)
	}
	if res["agreement"].(map[string]any)["status"] != "cancelled" {
		t.Fatalf("after cancel: %v", res)
	}

	// Party B can no longer accept.
	accept, _ := json.Marshal(map[string]string{"sigB": partyB.Sign(crypto.Digest(att))})
	status, res = g.signedDo(t, partyB, "POST", "/v1/agreements/"+proposalID+"/accept", accept, nil)
	if status != http.StatusConflict {
		t.Fatalf("accept after cancel: %d %v", status, res)
	}
}

func TestFilingCapEnforced(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Profile.Gateway.FilingsPerDay = 1
	prosecutor := newSigner(t)
	g.register(t, prosecutor, `{"displayName":"Busy"}`)

	first, _ := g.draftCase(t, prosecutor, draftBody)
	if status, res := g.signedDo(t, prosecutor, "POST", "/api/cases/"+first+"/file", nil, nil); status != http.StatusOK {
		t.Fatalf("first file: %d %v", status, res)
	}

	second, _ := g.draftCase(t, prosecutor, draftBody)
	status, res := g.signedDo(t, prosecutor, "POST", "/api/cases/"+second+"/file", nil, nil)
	if status != http.StatusTooManyRequests {
		t.Fatalf("capped file: %d %v", status, res)
	}
	if code := errCode(t, res); code != "RATE_LIMITED" {
		t.Fatalf("code = %s", code)
	}
}
