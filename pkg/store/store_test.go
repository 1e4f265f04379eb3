package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "court.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAgent(t *testing.T, s *Store, id string, now time.Time) {
	t.Helper()
	if err := s.CreateAgent(context.Background(), &court.Agent{
		AgentID:       id,
		Status:        court.AgentStatusActive,
		JurorEligible: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
}

func seedCase(t *testing.T, s *Store, caseID, prosecution string, now time.Time) *court.Case {
	t.Helper()
	c := &court.Case{
		CaseID:             caseID,
		ProsecutionAgentID: prosecution,
		OpenDefence:        true,
		Mode:               court.ModeJury,
		Topic:              "contract",
		ClaimSummary:       "breach of agreed delivery",
		Status:             court.StatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return c
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := Migrate(s.db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestDefenceAssignmentIsClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	seedAgent(t, s, "pros", now)
	seedAgent(t, s, "def-1", now)
	seedAgent(t, s, "def-2", now)
	c := seedCase(t, s, "case-1", "pros", now)

	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.FileCase(ctx, tx, c.CaseID, court.StageJudgeScreening,
			now.Add(10*time.Minute), now.Add(time.Hour), now)
	}); err != nil {
		t.Fatalf("file case: %v", err)
	}

	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ClaimDefenceAssignment(ctx, tx, c.CaseID, "def-1", now)
	}); err != nil {
		t.Fatalf("first volunteer: %v", err)
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ClaimDefenceAssignment(ctx, tx, c.CaseID, "def-2", now)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second volunteer: want ErrConflict, got %v", err)
	}

	got, err := s.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.DefenceAgentID != "def-1" {
		t.Fatalf("defence = %q, want def-1", got.DefenceAgentID)
	}
}

func TestNonceReplayConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()
	exp := now.Add(5 * time.Minute)

	if err := s.ConsumeNonce(ctx, "agent", "n-1", exp, now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := s.ConsumeNonce(ctx, "agent", "n-1", exp, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("replay: want ErrConflict, got %v", err)
	}
	// A different agent may reuse the same nonce value.
	if err := s.ConsumeNonce(ctx, "other", "n-1", exp, now); err != nil {
		t.Fatalf("other agent: %v", err)
	}
	// Expired rows free the slot.
	later := now.Add(10 * time.Minute)
	if err := s.ConsumeNonce(ctx, "agent", "n-1", later.Add(5*time.Minute), later); err != nil {
		t.Fatalf("post-expiry consume: %v", err)
	}
}

func TestIdempotencyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	rec := &IdempotencyRecord{
		AgentID:     "agent",
		Method:      "POST",
		Path:        "/api/cases",
		Key:         "idem-1",
		RequestHash: "abc",
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	if existing, err := s.ClaimIdempotency(ctx, rec); err != nil || existing != nil {
		t.Fatalf("first claim: existing=%v err=%v", existing, err)
	}

	// A concurrent retry sees the in-flight claim.
	existing, err := s.ClaimIdempotency(ctx, rec)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim: want ErrConflict, got %v", err)
	}
	if existing == nil || existing.State != IdempotencyClaimed {
		t.Fatalf("second claim: existing=%+v", existing)
	}

	if err := s.CompleteIdempotency(ctx, rec.AgentID, rec.Method, rec.Path, rec.Key, 201, `{"caseId":"c1"}`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	existing, err = s.ClaimIdempotency(ctx, rec)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("replay claim: want ErrConflict, got %v", err)
	}
	if existing.State != IdempotencyCompleted || existing.ResponseStatus != 201 {
		t.Fatalf("replay claim: existing=%+v", existing)
	}

	// Release frees a claimed slot so the caller can retry after a failure.
	rec2 := &IdempotencyRecord{AgentID: "agent", Method: "POST", Path: "/api/cases",
		Key: "idem-2", RequestHash: "def", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if _, err := s.ClaimIdempotency(ctx, rec2); err != nil {
		t.Fatalf("claim idem-2: %v", err)
	}
	if err := s.ReleaseIdempotency(ctx, rec2.AgentID, rec2.Method, rec2.Path, rec2.Key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.ClaimIdempotency(ctx, rec2); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestTreasuryTxConsumedOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	if err := s.ConsumeTreasuryTx(ctx, "sig-1", "case_filing", "agent", now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := s.ConsumeTreasuryTx(ctx, "sig-1", "agreement_fee", "other", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("second consume: want ErrConflict, got %v", err)
	}
}

func TestBallotUniquePerJuror(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()
	seedAgent(t, s, "pros", now)
	seedAgent(t, s, "juror", now)
	c := seedCase(t, s, "case-b", "pros", now)

	ballot := &court.Ballot{
		BallotID:     "b-1",
		CaseID:       c.CaseID,
		JurorAgentID: "juror",
		ClaimVotes: []court.ClaimVote{
			{ClaimID: "cl-1", Finding: court.FindingProven, Severity: 2},
		},
		OverallVote:        "for_prosecution",
		ReasoningSummary:   "The logs show the agreed artefact never shipped. Nothing rebuts them.",
		PrinciplesReliedOn: []string{"P1"},
		BallotHash:         "hash-1",
		CreatedAt:          now,
	}
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertBallot(ctx, tx, ballot)
	}); err != nil {
		t.Fatalf("first ballot: %v", err)
	}
	dup := *ballot
	dup.BallotID = "b-2"
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertBallot(ctx, tx, &dup)
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate ballot: want ErrConflict, got %v", err)
	}
}

func TestTranscriptSequenceIsGapless(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()
	seedAgent(t, s, "pros", now)
	c := seedCase(t, s, "case-t", "pros", now)

	for i := 0; i < 3; i++ {
		ev := &court.TranscriptEvent{
			CaseID:    c.CaseID,
			ActorRole: "system",
			EventType: court.EventStageStarted,
			Stage:     court.StageJudgeScreening,
			Payload:   map[string]any{"attempt": i},
			CreatedAt: now,
		}
		if err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.AppendTranscript(ctx, tx, ev)
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", ev.Seq, i+1)
		}
	}

	events, err := s.ListTranscript(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("events[%d].Seq = %d", i, ev.Seq)
		}
	}
}

func TestSealJobTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()
	seedAgent(t, s, "pros", now)
	c := seedCase(t, s, "case-s", "pros", now)

	job := &court.SealJob{
		JobID:       "job-1",
		CaseID:      c.CaseID,
		RequestJSON: `{"caseId":"case-s"}`,
		PayloadHash: "req-hash",
		CreatedAt:   now,
	}
	created, err := s.CreateSealJobIfAbsent(ctx, job)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != court.SealJobQueued {
		t.Fatalf("status = %s, want queued", created.Status)
	}

	// A second enqueue returns the same job.
	again, err := s.CreateSealJobIfAbsent(ctx, &court.SealJob{
		JobID: "job-other", CaseID: c.CaseID, RequestJSON: "{}", PayloadHash: "x", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if again.JobID != "job-1" {
		t.Fatalf("job id = %s, want job-1", again.JobID)
	}

	if err := s.ClaimSealJobMinting(ctx, "job-1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ClaimSealJobMinting(ctx, "job-1", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("double claim: want ErrConflict, got %v", err)
	}
	if err := s.FailSealJob(ctx, "job-1", "worker unreachable", now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.ReopenSealJob(ctx, "job-1", now); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := s.ClaimSealJobMinting(ctx, "job-1", now); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.CompleteSealJobTx(ctx, tx, "job-1", `{"assetId":"a"}`, now)
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetSealJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != court.SealJobMinted || got.Attempts != 2 {
		t.Fatalf("job after complete = %+v", got)
	}
}

func TestAgreementDuplicateAndLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	a := &Agreement{
		ProposalID:         "prop-1",
		PartyA:             "alice",
		PartyB:             "bob",
		Mode:               "public",
		CanonicalTermsJSON: `{"title":"Delivery"}`,
		TermsHash:          "th-1",
		AgreementCode:      "ABCDEFGH23",
		ExpiresAt:          now.Add(time.Hour),
		Status:             AgreementPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	sigA := &AgreementSignature{ProposalID: "prop-1", Party: "A", AgentID: "alice", Sig: "s1", CreatedAt: now}
	if err := s.CreateAgreement(ctx, a, sigA); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.FindActiveAgreement(ctx, "alice", "bob", "th-1"); err != nil {
		t.Fatalf("find active: %v", err)
	}
	if _, err := s.FindActiveAgreement(ctx, "bob", "alice", "th-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reversed pair should not match: %v", err)
	}

	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		sigB := &AgreementSignature{ProposalID: "prop-1", Party: "B", AgentID: "bob", Sig: "s2", CreatedAt: now}
		return s.AcceptAgreementTx(ctx, tx, "prop-1", sigB, now)
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SealAgreementTx(ctx, tx, "prop-1", now)
	}); err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := s.GetAgreementByCode(ctx, "ABCDEFGH23")
	if err != nil {
		t.Fatalf("by code: %v", err)
	}
	if got.Status != AgreementSealed {
		t.Fatalf("status = %s, want sealed", got.Status)
	}
	// Sealed agreements still occupy the duplicate slot.
	if _, err := s.FindActiveAgreement(ctx, "alice", "bob", "th-1"); err != nil {
		t.Fatalf("find active after seal: %v", err)
	}

	// Terminal agreements reject operator transitions.
	if err := s.SetAgreementStatus(ctx, "prop-1", AgreementCancelled, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel sealed: want ErrConflict, got %v", err)
	}

	sigs, err := s.ListAgreementSignatures(ctx, "prop-1")
	if err != nil {
		t.Fatalf("list signatures: %v", err)
	}
	if len(sigs) != 2 || sigs[0].Party != "A" || sigs[1].Party != "B" {
		t.Fatalf("signatures = %+v", sigs)
	}
}
