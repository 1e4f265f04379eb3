// Package session drives every open case through its timed stages. A single
// periodic tick evaluates each non-terminal case against the wall clock and
// advances, replaces jurors, voids or closes it. At most one tick runs at a
// time; handlers only ever mutate cases through the same short transactions
// the engine uses, so the transcript stays the serial history.
package session

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/drand"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/judge"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/observability"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/seal"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/webhook"
)

// sealRetryStaleness is how long a non-terminal seal job must sit untouched
// before the tick redispatches it.
const sealRetryStaleness = 30 * time.Second

// Engine is the court's background scheduler.
type Engine struct {
	st         *store.Store
	cfg        *config.Config
	randomness drand.Client
	judge      judge.Client
	sealer     *seal.Service
	notify     webhook.Notifier
	obs        *observability.Provider
	logger     *slog.Logger

	// clock is injectable so tests can step wall time.
	clock func() time.Time

	mu sync.Mutex

	closingMu sync.Mutex
	closing   map[string]struct{}
}

// New wires the engine. obs may be nil when telemetry is off.
func New(st *store.Store, cfg *config.Config, rnd drand.Client, j judge.Client, sealer *seal.Service, notify webhook.Notifier, obs *observability.Provider, logger *slog.Logger) *Engine {
	if notify == nil {
		notify = webhook.Nop()
	}
	return &Engine{
		st:         st,
		cfg:        cfg,
		randomness: rnd,
		judge:      j,
		sealer:     sealer,
		notify:     notify,
		obs:        obs,
		logger:     logger.With("component", "session"),
		clock:      time.Now,
		closing:    make(map[string]struct{}),
	}
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.TickInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("session engine started", "tick", interval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("session engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every open case once. A tick that finds the previous one
// still running returns immediately; the next interval catches up.
func (e *Engine) Tick(ctx context.Context) {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()

	start := e.clock()
	cases, err := e.st.ListOpenCases(ctx)
	if err != nil {
		e.logger.Error("open cases not listed", "error", err)
		return
	}
	for _, c := range cases {
		if err := e.evaluate(ctx, c); err != nil {
			e.logger.Error("case evaluation failed",
				"caseId", c.CaseID, "stage", string(c.SessionStage), "error", err)
		}
	}
	if e.sealer != nil {
		e.sealer.RetryStale(ctx, start.Add(-sealRetryStaleness))
	}
	if e.obs != nil {
		e.obs.RecordTick(ctx, e.clock().Sub(start), len(cases))
	}
}

func (e *Engine) evaluate(ctx context.Context, c *court.Case) error {
	switch c.SessionStage {
	case court.StageJudgeScreening:
		return e.tickScreening(ctx, c)
	case court.StagePreSession:
		return e.tickPreSession(ctx, c)
	case court.StageJuryReadiness:
		return e.tickReadiness(ctx, c)
	case court.StageOpening, court.StageEvidence, court.StageClosing, court.StageSummingUp:
		return e.tickSubmissionStage(ctx, c)
	case court.StageVoting:
		return e.tickVoting(ctx, c)
	default:
		// closed cases are carried by the seal retry pass
		return nil
	}
}

// beginClose claims the close pipeline for a case within this process.
func (e *Engine) beginClose(caseID string) bool {
	e.closingMu.Lock()
	defer e.closingMu.Unlock()
	if _, busy := e.closing[caseID]; busy {
		return false
	}
	e.closing[caseID] = struct{}{}
	return true
}

func (e *Engine) endClose(caseID string) {
	e.closingMu.Lock()
	defer e.closingMu.Unlock()
	delete(e.closing, caseID)
}

// advanceTx moves the case to its next stage and writes the stage_started
// and stage_deadline events in the same transaction.
func (e *Engine) advanceTx(ctx context.Context, tx *sql.Tx, c *court.Case, stage court.Stage, deadline, now time.Time) error {
	if err := e.st.AdvanceStage(ctx, tx, c.CaseID, stage, deadline, now); err != nil {
		return err
	}
	if err := e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: "system",
		EventType: court.EventStageStarted,
		Stage:     stage,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if deadline.IsZero() {
		return nil
	}
	return e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: "system",
		EventType: court.EventStageDeadline,
		Stage:     stage,
		Payload:   map[string]any{"deadlineIso": deadline.UTC().Format(time.RFC3339)},
		CreatedAt: now,
	})
}

// voidTx terminates the case with its reason inside the caller's
// transaction.
func (e *Engine) voidTx(ctx context.Context, tx *sql.Tx, c *court.Case, reason court.VoidReason, now time.Time) error {
	if err := e.st.VoidCase(ctx, tx, c.CaseID, reason, now); err != nil {
		return err
	}
	return e.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
		CaseID:    c.CaseID,
		ActorRole: "system",
		EventType: court.EventCaseVoid,
		Stage:     c.SessionStage,
		Payload:   map[string]any{"reason": string(reason)},
		CreatedAt: now,
	})
}

// void runs voidTx in its own transaction and logs the outcome.
func (e *Engine) void(ctx context.Context, c *court.Case, reason court.VoidReason) error {
	now := e.clock().UTC()
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		return e.voidTx(ctx, tx, c, reason, now)
	})
	if err != nil {
		return err
	}
	e.logger.Info("case voided", "caseId", c.CaseID, "reason", string(reason), "stage", string(c.SessionStage))
	return nil
}

// summon notifies one agent's callback URL, best effort.
func (e *Engine) summon(ctx context.Context, agentID, event string, body map[string]any) {
	agent, err := e.st.GetAgent(ctx, agentID)
	if err != nil || agent.NotifyURL == "" {
		return
	}
	e.notify.Dispatch(ctx, agent.NotifyURL, webhook.Event{
		Event:   event,
		AgentID: agentID,
		Body:    body,
	})
}

func (e *Engine) stageSeconds(stage court.Stage) time.Duration {
	s := e.cfg.Profile.Stages
	var secs int
	switch stage {
	case court.StageOpening:
		secs = s.OpeningSeconds
	case court.StageEvidence:
		secs = s.EvidenceSeconds
	case court.StageClosing:
		secs = s.ClosingSeconds
	case court.StageSummingUp:
		secs = s.SummingUpSeconds
	case court.StageVoting:
		secs = s.VotingSeconds
	}
	return time.Duration(secs) * time.Second
}
